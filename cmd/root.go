package cmd

import (
	"github.com/spf13/cobra"

	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "pi-alarm",
	Short: "Control firmware for the pi-alarm panel",
	Long:  `Control firmware for the pi-alarm panel`,
	Run: func(cmd *cobra.Command, args []string) {
		runAgent()
	},
}

func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}

func init() {
	cobra.OnInitialize(initConfig)
	viper.SetConfigFile(".env")
}

func initConfig() {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()
	viper.ReadInConfig()
}

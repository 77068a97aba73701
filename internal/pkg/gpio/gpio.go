package gpio

import (
	"log"
	"math/rand"

	"github.com/stianeikeland/go-rpio"
)

// InputPin reads a motion sensor input with the internal pull-up enabled.
// In mock mode it returns pseudo-random levels so the agent can run on a
// machine without GPIO hardware.
type InputPin struct {
	pin      rpio.Pin
	mockMode bool
}

func NewInputPin(pinNumber int, mockMode bool) *InputPin {
	pin := rpio.Pin(pinNumber)
	err := rpio.Open()
	if err != nil {
		log.Printf("Unable to open gpio: %s, continuing but running in test mode.\n", err.Error())
	} else {
		pin.Input()
		pin.PullUp()
	}

	return &InputPin{
		pin,
		mockMode,
	}
}

// High reports whether the input level is high.
func (p *InputPin) High() bool {
	if p.mockMode {
		return rand.Int()%2 == 1
	}
	return p.pin.Read() == rpio.High
}

// OutputPin drives the siren output.
type OutputPin struct {
	pin      rpio.Pin
	mockMode bool
}

func NewOutputPin(pinNumber int, mockMode bool) *OutputPin {
	pin := rpio.Pin(pinNumber)
	err := rpio.Open()
	if err != nil {
		log.Printf("Unable to open gpio: %s, continuing but running in test mode.\n", err.Error())
	} else {
		pin.Output()
		pin.Low()
	}

	return &OutputPin{
		pin,
		mockMode,
	}
}

// Set drives the output high or low.
func (p *OutputPin) Set(high bool) {
	if p.mockMode {
		return
	}
	if high {
		p.pin.High()
	} else {
		p.pin.Low()
	}
}

func Cleanup() {
	rpio.Close()
}

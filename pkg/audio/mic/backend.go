package mic

import (
	"fmt"
	"strings"

	"github.com/gen2brain/malgo"
)

var backendNames = map[string]malgo.Backend{
	"wasapi":     malgo.BackendWasapi,
	"dsound":     malgo.BackendDsound,
	"winmm":      malgo.BackendWinmm,
	"coreaudio":  malgo.BackendCoreaudio,
	"sndio":      malgo.BackendSndio,
	"audio4":     malgo.BackendAudio4,
	"oss":        malgo.BackendOss,
	"pulseaudio": malgo.BackendPulseaudio,
	"alsa":       malgo.BackendAlsa,
	"jack":       malgo.BackendJack,
	"aaudio":     malgo.BackendAaudio,
	"opensl":     malgo.BackendOpensl,
	"webaudio":   malgo.BackendWebaudio,
	"null":       malgo.BackendNull,
}

// ParseBackends maps backend names such as "pulseaudio" or "wasapi" to
// miniaudio backends, preserving order.
func ParseBackends(names []string) ([]malgo.Backend, error) {
	out := make([]malgo.Backend, 0, len(names))
	for _, n := range names {
		b, ok := backendNames[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return nil, fmt.Errorf("mic: unknown audio backend %q", n)
		}
		out = append(out, b)
	}
	return out, nil
}


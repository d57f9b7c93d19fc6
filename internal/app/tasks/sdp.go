package tasks

import (
	"errors"
	"fmt"

	"github.com/pion/sdp/v3"
)

var ErrNoMedia = errors.New("answer has no media sections")

// validateAnswer checks that answer parses and answers every media section
// of offer.
func validateAnswer(offer, answer string) error {
	var a sdp.SessionDescription
	if err := a.Unmarshal([]byte(answer)); err != nil {
		return fmt.Errorf("parse answer: %w", err)
	}
	if len(a.MediaDescriptions) == 0 {
		return ErrNoMedia
	}
	var o sdp.SessionDescription
	if err := o.Unmarshal([]byte(offer)); err != nil {
		// Our own offer is trusted; only the answer is checked.
		return nil
	}
	if len(a.MediaDescriptions) != len(o.MediaDescriptions) {
		return fmt.Errorf("answer has %d media sections, offer has %d", len(a.MediaDescriptions), len(o.MediaDescriptions))
	}
	for i, m := range a.MediaDescriptions {
		if want := o.MediaDescriptions[i].MediaName.Media; m.MediaName.Media != want {
			return fmt.Errorf("media section %d is %s, offered %s", i, m.MediaName.Media, want)
		}
	}
	return nil
}

package campaign

import "time"

// IsComplete reports whether every (locale, aspect ratio) pair in the cross
// product has a non-null terminal output slot. An empty cross product is never
// complete.
func IsComplete(locales, ratios []string, outputs Outputs) bool {
	if len(locales) == 0 || len(ratios) == 0 {
		return false
	}
	for _, locale := range locales {
		byRatio := outputs[locale]
		if byRatio == nil {
			return false
		}
		for _, ratio := range ratios {
			if !slotFilled(byRatio[ratio]) {
				return false
			}
		}
	}
	return true
}

func slotFilled(slot *OutputSlot) bool {
	return slot != nil && (slot.FinalImageURI != "" || slot.FinalImageRef != "")
}

// LocaleProgress summarizes one locale's terminal outputs.
type LocaleProgress struct {
	Completed int             `json:"completed"`
	Total     int             `json:"total"`
	Ratios    map[string]bool `json:"ratios"`
}

// Progress reports per-locale completion for status queries.
func (c *Campaign) Progress() map[string]LocaleProgress {
	progress := make(map[string]LocaleProgress, len(c.TargetLocales))
	for _, locale := range c.TargetLocales {
		lp := LocaleProgress{Total: len(c.Output.AspectRatios), Ratios: make(map[string]bool, len(c.Output.AspectRatios))}
		for _, ratio := range c.Output.AspectRatios {
			done := slotFilled(c.Slot(locale, ratio))
			lp.Ratios[ratio] = done
			if done {
				lp.Completed++
			}
		}
		progress[locale] = lp
	}
	return progress
}

// Stalled reports whether a processing campaign has stopped making progress:
// a stage parked one of its messages, or nothing has been written for longer
// than threshold.
func (c *Campaign) Stalled(now time.Time, threshold time.Duration) bool {
	if c.Status != StatusProcessing {
		return false
	}
	if len(c.DeadLetters) > 0 {
		return true
	}
	if threshold <= 0 || c.UpdatedAt.IsZero() {
		return false
	}
	return now.Sub(c.UpdatedAt) > threshold
}

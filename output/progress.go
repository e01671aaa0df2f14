package output

import (
	"github.com/schollz/progressbar/v3"
)

// ProgressBar is a leader-only progress display for a training loop. On non-leader
// processes all methods are no-ops, so the training loop can drive it unconditionally.
type ProgressBar struct {
	bar *progressbar.ProgressBar
}

// NewProgressBar creates a progress bar over numSteps steps, shown only when the Gate's
// process is the leader.
func (g *Gate) NewProgressBar(numSteps int, description string) *ProgressBar {
	if !g.leader {
		return &ProgressBar{}
	}
	bar := progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription(description),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		progressbar.OptionSetWriter(g.writer),
	)
	return &ProgressBar{bar: bar}
}

// Add advances the progress bar by amount steps.
func (pBar *ProgressBar) Add(amount int) {
	if pBar.bar == nil {
		return
	}
	_ = pBar.bar.Add(amount)
}

// Finish fills the bar and moves to the next line.
func (pBar *ProgressBar) Finish() {
	if pBar.bar == nil {
		return
	}
	_ = pBar.bar.Finish()
}

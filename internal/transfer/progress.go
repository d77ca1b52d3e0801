package transfer

import (
	"github.com/cheggaaa/pb/v3"
)

// Progress receives byte counts as a transfer advances. Negative values roll
// back bytes from a failed attempt.
type Progress interface {
	Add64(n int64)
	Finish()
}

// ProgressFactory creates a Progress for one transfer.
type ProgressFactory func(label string, total int64) Progress

type nopProgress struct{}

func (nopProgress) Add64(int64) {}
func (nopProgress) Finish()     {}

type barProgress struct {
	bar *pb.ProgressBar
}

// BarProgress renders a terminal progress bar for a transfer.
func BarProgress(label string, total int64) Progress {
	bar := pb.New64(total)
	bar.Set(pb.Bytes, true)
	bar.SetTemplate(`{{string . "label"}} {{counters . }} {{bar . }} {{percent . }} {{speed . }}`)
	bar.Set("label", label)
	bar.Start()
	return &barProgress{bar: bar}
}

func (p *barProgress) Add64(n int64) {
	p.bar.Add64(n)
}

func (p *barProgress) Finish() {
	p.bar.Finish()
}

func newProgress(factory ProgressFactory, label string, total int64) Progress {
	if factory == nil {
		return nopProgress{}
	}
	return factory(label, total)
}

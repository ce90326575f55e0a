package main

import (
	"os"

	"github.com/schollz/progressbar/v3"
)

// progress renders relay progress on stderr. The bar is created on the
// first update that carries information, so a known download size gives a
// bounded bar and an unknown one a spinner.
type progress struct {
	bar *progressbar.ProgressBar
}

func (p *progress) update(current, total int64) {
	if p.bar == nil {
		if current == 0 && total < 0 {
			return // download headers not in yet
		}
		p.bar = progressbar.NewOptions64(total,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("relaying"),
			progressbar.OptionShowBytes(true),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(10),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionFullWidth(),
		)
	}
	_ = p.bar.Set64(current)
}

func (p *progress) finish() {
	if p.bar == nil {
		return
	}
	_ = p.bar.Finish()
	_, _ = os.Stderr.WriteString("\n")
}

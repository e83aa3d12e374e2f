package ui

import (
	"fmt"
	"io"
	"time"

	"hostfs/pkg/utils"

	"github.com/schollz/progressbar/v3"
)

// ProgressUI handles progress display for file transfers
type ProgressUI struct {
	out       io.Writer
	bar       *progressbar.ProgressBar
	operation string // "Uploading" or "Downloading"
	filename  string
	current   int64
	startTime time.Time
}

// NewProgressUI creates a progress display writing to out.
func NewProgressUI(out io.Writer) *ProgressUI {
	return &ProgressUI{out: out}
}

// Start initializes the progress bar. A negative total shows a spinner.
func (p *ProgressUI) Start(operation, filename string, totalBytes int64) {
	p.operation = operation
	p.filename = filename
	p.current = 0
	p.startTime = time.Now()
	p.bar = progressbar.NewOptions64(totalBytes,
		progressbar.OptionSetDescription(fmt.Sprintf("%s %s", operation, filename)),
		progressbar.OptionSetWriter(p.out),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(50),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(false),
	)
}

// Update moves the bar to done bytes. It has the shape of client.ProgressFunc.
func (p *ProgressUI) Update(done, total int64) {
	if p.bar == nil {
		return
	}
	if total >= 0 && total != p.bar.GetMax64() {
		p.bar.ChangeMax64(total)
	}
	p.current = done
	_ = p.bar.Set64(done)
}

// Finish completes the bar and prints a summary.
func (p *ProgressUI) Finish() {
	if p.bar == nil {
		return
	}
	_ = p.bar.Finish()

	elapsed := time.Since(p.startTime)
	throughput := 0.0
	if elapsed.Seconds() > 0 {
		throughput = float64(p.current) / elapsed.Seconds() / (1024 * 1024)
	}

	fmt.Fprintf(p.out, "\n=============================================\n")
	fmt.Fprintf(p.out, "%s %s completed\n", p.operation, p.filename)
	fmt.Fprintf(p.out, "+ Total bytes: %s\n", utils.FormatFileSize(p.current))
	fmt.Fprintf(p.out, "+ Transfer time: %s\n", elapsed.Round(time.Millisecond))
	fmt.Fprintf(p.out, "+ Average throughput: %.2f MB/s\n", throughput)
	fmt.Fprintf(p.out, "=============================================\n")
}

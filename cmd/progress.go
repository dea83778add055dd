package cmd

import (
	"fmt"
	"sync"

	"github.com/schollz/progressbar/v3"

	"dropwire/transfer"
)

// progressTracker renders one terminal progress bar per active transfer,
// driven by engine record updates.
type progressTracker struct {
	mu   sync.Mutex
	bars map[string]*progressbar.ProgressBar
}

func newProgressTracker() *progressTracker {
	return &progressTracker{bars: make(map[string]*progressbar.ProgressBar)}
}

func (p *progressTracker) update(record transfer.TransferRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()

	bar, exists := p.bars[record.ID]

	if record.Status.Terminal() {
		if exists {
			if record.Status == transfer.StatusCompleted {
				_ = bar.Finish()
			} else {
				_ = bar.Clear()
			}
			delete(p.bars, record.ID)
		}
		return
	}

	if !exists {
		if record.Status != transfer.StatusTransferring && record.Status != transfer.StatusVerifying {
			return
		}
		verb := "sending"
		if record.Direction == transfer.DirectionReceive {
			verb = "receiving"
		}
		bar = progressbar.DefaultBytes(record.FileSize, fmt.Sprintf("%s %s", verb, record.FileName))
		p.bars[record.ID] = bar
	}

	done := int64(record.Progress / 100 * float64(record.FileSize))
	if done > record.FileSize {
		done = record.FileSize
	}
	_ = bar.Set64(done)
}

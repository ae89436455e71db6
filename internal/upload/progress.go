package upload

import (
	"io"
	"sync"
)

// progressReader reports read progress in whole-percent steps. Values never
// decrease and stay below 1 until complete is called.
type progressReader struct {
	r      io.Reader
	total  int64
	report func(float64)

	mu   sync.Mutex
	read int64
	last float64
}

func newProgressReader(r io.Reader, total int64, report func(float64)) *progressReader {
	return &progressReader{r: r, total: total, report: report, last: -1}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.mu.Lock()
		p.read += int64(n)
		frac := 0.0
		if p.total > 0 {
			frac = float64(p.read*100/p.total) / 100
		}
		if frac > 0.99 {
			frac = 0.99
		}
		p.emit(frac)
		p.mu.Unlock()
	}
	return n, err
}

func (p *progressReader) complete() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emit(1)
}

// emit must be called with mu held.
func (p *progressReader) emit(frac float64) {
	if p.report == nil || frac <= p.last {
		return
	}
	p.last = frac
	p.report(frac)
}

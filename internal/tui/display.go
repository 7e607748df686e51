package tui

import (
	"sync"
	"unicode/utf8"
)

// Display draws Models. On a terminal it redraws the whole frame in place;
// otherwise it appends a line for each change so output stays readable
// in logs and pipes.
type Display struct {
	mu          sync.Mutex
	term        *Terminal
	interactive bool
	width       int

	jobLines  map[string]string
	indicator string
	noticeSeq int
	fatal     string
}

// NewDisplay creates a Display writing through term.
func NewDisplay(term *Terminal, interactive bool) *Display {
	d := &Display{
		term:        term,
		interactive: interactive,
		jobLines:    make(map[string]string),
	}
	if interactive {
		if w, _, err := term.Size(); err == nil {
			d.width = w
		}
	}
	return d
}

// Start prepares the screen.
func (d *Display) Start() {
	if d.interactive {
		d.term.HideCursor()
		d.term.Clear()
	}
}

// Close restores the cursor.
func (d *Display) Close() {
	if d.interactive {
		d.term.ShowCursor()
	}
}

// Draw renders m.
func (d *Display) Draw(m Model) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.interactive {
		d.term.Write(CursorHome + ClearScreen)
		for _, line := range Render(m, d.width, true, true) {
			d.term.WriteLine(line)
		}
		return
	}

	if line := IndicatorLine(m.Indicator, false); line != d.indicator {
		d.indicator = line
		d.term.WriteLine(line)
	}
	idWidth := len("JOB")
	for _, j := range m.Jobs {
		idWidth = max(idWidth, utf8.RuneCountInString(j.ID))
	}
	for _, j := range m.Jobs {
		line := JobLine(j, idWidth, false)
		if d.jobLines[j.ID] == line {
			continue
		}
		d.jobLines[j.ID] = line
		d.term.WriteLine(line)
	}
	if m.Indicator.NoticeSeq > d.noticeSeq {
		d.noticeSeq = m.Indicator.NoticeSeq
		d.term.WriteLine(NoticeLine(m.Indicator.Notice))
	}
	fatal := ""
	if m.Indicator.Fatal != nil {
		fatal = FatalLine(m.Indicator.Fatal, false)
	}
	if fatal != d.fatal {
		d.fatal = fatal
		if fatal != "" {
			d.term.WriteLine(fatal)
		}
	}
}

package service

import (
	"bytes"
	"regexp"
	"strconv"

	"github.com/Sarabjeet-singh1/yt-video-downloader/internal/model"
)

var progressRx = regexp.MustCompile(`\[download\]\s+(\d+\.?\d*)%\s+of\s+~?\s*([\d.]+\w+)\s+at\s+([\d.]+\w+/s)(?:\s+ETA\s+(\d+:\d+(?::\d+)?))?`)

// ParseProgress recognizes a yt-dlp progress line like
//
//	[download]  42.0% of 10.00MiB at 1.20MiB/s ETA 00:05
func ParseProgress(line string) (model.Progress, bool) {
	m := progressRx.FindStringSubmatch(line)
	if m == nil {
		return model.Progress{}, false
	}
	pct, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return model.Progress{}, false
	}
	return model.Progress{
		Percent: pct,
		Size:    m[2],
		Speed:   m[3],
		ETA:     m[4],
	}, true
}

const maxLine = 4096

// lineScanner splits a stream arriving in arbitrary chunks into lines.
// yt-dlp redraws its progress with \r, so both \r and \n end a line.
// Overlong lines are discarded.
type lineScanner struct {
	buf  []byte
	skip bool
}

func (s *lineScanner) Feed(data []byte, fn func(line string)) {
	for len(data) > 0 {
		i := bytes.IndexAny(data, "\r\n")
		if i < 0 {
			s.append(data)
			return
		}
		s.append(data[:i])
		if !s.skip && len(s.buf) > 0 {
			fn(string(s.buf))
		}
		s.buf = s.buf[:0]
		s.skip = false
		data = data[i+1:]
	}
}

func (s *lineScanner) append(p []byte) {
	if s.skip {
		return
	}
	if len(s.buf)+len(p) > maxLine {
		s.buf = s.buf[:0]
		s.skip = true
		return
	}
	s.buf = append(s.buf, p...)
}

package feed

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/alejandrodnm/domasync/internal/domain"
)

const maxManifestLine = 1 << 20

// ParseManifest lee un manifest NDJSON: una línea {"delay_ms":N,"event":{...}}
// por evento. Las líneas vacías o inválidas se saltan; solo un error de
// lectura del reader es fatal. Devuelve las líneas válidas y cuántas se saltaron.
func ParseManifest(r io.Reader) ([]domain.ManifestLine, int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxManifestLine)

	var (
		lines   []domain.ManifestLine
		skipped int
		lineNo  int
	)
	for sc.Scan() {
		lineNo++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		line, err := parseManifestLine(raw)
		if err != nil {
			skipped++
			slog.Debug("manifest: skip line", "line", lineNo, "err", err)
			continue
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return lines, skipped, fmt.Errorf("feed.ParseManifest: %w", err)
	}
	return lines, skipped, nil
}

func parseManifestLine(raw []byte) (domain.ManifestLine, error) {
	var l struct {
		DelayMS json.RawMessage `json:"delay_ms"`
		Event   json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(raw, &l); err != nil {
		return domain.ManifestLine{}, err
	}
	if len(l.DelayMS) == 0 || string(l.DelayMS) == "null" {
		return domain.ManifestLine{}, fmt.Errorf("missing delay_ms")
	}
	delay, err := strconv.ParseInt(string(l.DelayMS), 10, 64)
	if err != nil || delay < 0 {
		return domain.ManifestLine{}, fmt.Errorf("bad delay_ms %s", l.DelayMS)
	}
	ev, err := domain.ParseEvent(l.Event)
	if err != nil {
		return domain.ManifestLine{}, err
	}
	return domain.ManifestLine{DelayMS: delay, Event: ev}, nil
}

package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

const maxLineBytes = 4 << 20

// ReadFile calls fn for every line of a trace file in order. Blank lines
// are skipped; a line that is not valid JSON stops the read with an error
// naming its line number. fn returning an error stops the read too.
func ReadFile(path string, fn func(Line) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open trace: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	n := 0
	for sc.Scan() {
		n++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var line Line
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			return fmt.Errorf("trace line %d: %w", n, err)
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read trace: %w", err)
	}
	return nil
}

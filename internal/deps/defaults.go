package deps

import (
	"bufio"
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"strings"
)

//go:embed defaults.txt
var defaultsSource []byte

// LoadDefaults reads the process wide dependencies from path or, when path
// is empty, from the bundled list. Lines starting with # are ignored.
func LoadDefaults(path string) ([]URI, error) {
	if path == "" {
		return parseList(bytes.NewReader(defaultsSource))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening default dependencies: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	return parseList(f)
}

func parseList(r io.Reader) ([]URI, error) {
	var ret []URI
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ret = append(ret, URI(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading default dependencies: %w", err)
	}
	return ret, nil
}

package tokencount

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// fileRanksLoader feeds tiktoken from a local tokenizer file instead of the
// network. Two formats are understood: the native tiktoken rank format
// ("<base64 token> <rank>" per line) and a tokenizer JSON file, whose
// model.vocab map is used as the rank table.
type fileRanksLoader struct {
	path string
}

func (l *fileRanksLoader) LoadTiktokenBpe(string) (map[string]int, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read tokenizer %s: %w", l.path, err)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return loadVocabJSON(trimmed)
	}
	return loadRankLines(trimmed)
}

func loadRankLines(data []byte) (map[string]int, error) {
	ranks := make(map[string]int)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed rank line %q", line)
		}
		token, err := base64.StdEncoding.DecodeString(parts[0])
		if err != nil {
			return nil, fmt.Errorf("decode token %q: %w", parts[0], err)
		}
		rank, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("parse rank %q: %w", parts[1], err)
		}
		ranks[string(token)] = rank
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(ranks) == 0 {
		return nil, fmt.Errorf("tokenizer file holds no ranks")
	}
	return ranks, nil
}

func loadVocabJSON(data []byte) (map[string]int, error) {
	vocab := gjson.GetBytes(data, "model.vocab")
	if !vocab.Exists() {
		return nil, fmt.Errorf("tokenizer JSON has no model.vocab")
	}
	ranks := make(map[string]int)
	vocab.ForEach(func(key, value gjson.Result) bool {
		ranks[key.String()] = int(value.Int())
		return true
	})
	if len(ranks) == 0 {
		return nil, fmt.Errorf("tokenizer JSON vocab is empty")
	}
	return ranks, nil
}

package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

type execExtractor struct {
	cmd []string
	mu  sync.Mutex
}

type execRequest struct {
	Website   string   `json:"website"`
	Selectors []string `json:"selectors,omitempty"`
}

type execResponse struct {
	Text  string `json:"text"`
	Title string `json:"title"`
	Error string `json:"error"`
}

// NewExecExtractor delegates extraction to an external command. The command
// receives one JSON request on stdin and must print one JSON response
// ({text, title} or {error}) on stdout.
func NewExecExtractor(command string) (Extractor, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse extract command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("extract command empty")
	}
	return &execExtractor{cmd: args}, nil
}

func (e *execExtractor) Extract(ctx context.Context, req Request) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	payload, err := json.Marshal(execRequest{Website: req.Website, Selectors: req.Selectors})
	if err != nil {
		return Result{}, err
	}

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = bytes.NewReader(payload)

	out, err := cmd.Output()
	if err != nil {
		return Result{}, fmt.Errorf("extract command: %w", err)
	}
	var resp execResponse
	if err := json.Unmarshal(bytes.TrimSpace(out), &resp); err != nil {
		return Result{}, fmt.Errorf("decode extract response: %w", err)
	}
	if resp.Error != "" {
		return Result{}, fmt.Errorf("extract command: %s", resp.Error)
	}
	return Result{Text: resp.Text, Title: resp.Title}, nil
}

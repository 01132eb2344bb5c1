package challenge

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/Sriram-PR/chain-scraper/pkg/utils"
)

// Operator is the human fallback once automated clearance is exhausted.
// AwaitContinue blocks until the operator confirms the page is usable or ctx
// ends.
type Operator interface {
	AwaitContinue(ctx context.Context, url string) error
}

// OperatorFunc adapts a function to Operator.
type OperatorFunc func(ctx context.Context, url string) error

func (f OperatorFunc) AwaitContinue(ctx context.Context, url string) error {
	return f(ctx, url)
}

// PromptOperator asks on out and waits for a line on in.
type PromptOperator struct {
	in  io.Reader
	out io.Writer

	once  sync.Once
	lines chan string
	done  chan struct{} // closed when in is exhausted
}

// NewPromptOperator creates an operator reading confirmations from in.
func NewPromptOperator(in io.Reader, out io.Writer) *PromptOperator {
	return &PromptOperator{in: in, out: out}
}

// start launches the single reader goroutine. A pending read cannot be
// interrupted, so lines are handed over through a channel and an abandoned
// prompt leaves its line for the next one.
func (p *PromptOperator) start() {
	p.lines = make(chan string)
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		scanner := bufio.NewScanner(p.in)
		for scanner.Scan() {
			p.lines <- scanner.Text()
		}
	}()
}

func (p *PromptOperator) AwaitContinue(ctx context.Context, url string) error {
	p.once.Do(p.start)

	banner := strings.Repeat("=", 60)
	fmt.Fprintf(p.out, "\n%s\nChallenge page could not be cleared automatically:\n  %s\n"+
		"Complete the verification in the browser window, then press Enter to continue...\n%s\n",
		banner, url, banner)

	select {
	case line := <-p.lines:
		if strings.EqualFold(strings.TrimSpace(line), "q") {
			return utils.ErrOperatorAborted
		}
		return nil
	case <-p.done:
		return fmt.Errorf("%w: input closed", utils.ErrOperatorAborted)
	case <-ctx.Done():
		return ctx.Err()
	}
}

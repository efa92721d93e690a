// Package repl implements the interactive terminal loop described in
// SPEC_FULL.md §4.6: it reads stdin lines, handles the "/h" built-in
// itself, and forwards everything else on a channel the node consumes
// to mine and broadcast new chats.
//
// Grounded in shape on the retrieval pack's libp2p-chat REPL loop
// (bufio.NewReader(os.Stdin) + strings.TrimSpace + prompt print),
// restyled to the teacher's plainer, comment-light style.
package repl

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"chatchain/internal/message"
)

const prompt = ">> "

// HistorySource is the read side of the chain the REPL needs for "/h".
// internal/blockchain.Chain satisfies this with its Chain method.
type HistorySource interface {
	Chain() []message.Chat
}

// Run reads lines from in until EOF or ctx-like closure of done, prints
// the prompt to out, handles "/h" locally, and sends every other
// non-blank line on lines. It returns when in is exhausted (EOF) or
// when done is closed, whichever comes first.
func Run(in io.Reader, out io.Writer, history HistorySource, lines chan<- string, done <-chan struct{}) {
	scanner := bufio.NewScanner(in)
	inputs := make(chan string)

	go func() {
		defer close(inputs)
		for scanner.Scan() {
			inputs <- scanner.Text()
		}
	}()

	fmt.Fprint(out, prompt)
	for {
		select {
		case <-done:
			return
		case text, ok := <-inputs:
			if !ok {
				return
			}
			handleLine(text, out, history, lines, done)
			fmt.Fprint(out, prompt)
		}
	}
}

func handleLine(text string, out io.Writer, history HistorySource, lines chan<- string, done <-chan struct{}) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return
	}

	if trimmed == "/h" {
		printHistory(out, history.Chain())
		return
	}

	select {
	case lines <- trimmed:
	case <-done:
	}
}

func printHistory(out io.Writer, history []message.Chat) {
	for i, chat := range history {
		fmt.Fprintf(out, "%d: %s\n", i, chat.Text)
	}
}

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"

	"github.com/hlogkv/hlogkv/pkg/hlogkv"
)

type storeType = hlogkv.Store[string, []byte, []byte, []byte, struct{}]
type sessionType = hlogkv.Session[string, []byte, []byte, []byte, struct{}]

// repl is the interactive command loop: liner for readline-style
// input, a history file under the user's home directory, "help"/"exit"
// built into the command switch.
type repl struct {
	store *storeType
	sess  *sessionType
	ln    *liner.State
}

func runREPL(store *storeType, sess *sessionType) error {
	r := &repl{store: store, sess: sess}
	r.ln = liner.NewLiner()
	defer r.ln.Close()

	r.ln.SetCtrlCAborts(true)
	r.ln.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.ln.ReadHistory(f)
		f.Close()
	}

	fmt.Println("hlogkv - key/value store REPL")
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.ln.Prompt("hlogkv> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println("\nBye!")
				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.ln.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Println("Bye!")
			r.saveHistory()

			return nil

		case "help", "?":
			r.printHelp()

		case "get":
			if err := cmdGet(r.sess, args); err != nil {
				fmt.Println("error:", err)
			}

		case "put":
			if err := cmdPut(r.sess, args); err != nil {
				fmt.Println("error:", err)
			}

		case "del":
			if err := cmdDel(r.sess, args); err != nil {
				fmt.Println("error:", err)
			}

		case "checkpoint":
			if err := cmdCheckpoint(r.store); err != nil {
				fmt.Println("error:", err)
			}

		case "refresh":
			r.sess.Refresh()

		default:
			fmt.Printf("unknown command %q (type 'help')\n", cmd)
		}
	}

	r.saveHistory()

	return nil
}

func (r *repl) completer(line string) []string {
	cmds := []string{"get", "put", "del", "checkpoint", "refresh", "help", "exit"}

	var out []string

	for _, c := range cmds {
		if strings.HasPrefix(c, line) {
			out = append(out, c)
		}
	}

	return out
}

func (r *repl) printHelp() {
	fmt.Println(`Commands:
  get <key>              look up a key
  put <key> <value>      insert or overwrite a key
  del <key>              tombstone a key
  checkpoint             take a checkpoint and block until durable
  refresh                refresh this session's epoch
  help                   show this help
  exit / quit / q        leave the REPL`)
}

func (r *repl) saveHistory() {
	path := historyFile()
	if path == "" {
		return
	}

	f, err := os.Create(path)
	if err != nil {
		return
	}
	defer f.Close()

	r.ln.WriteHistory(f)
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".hlogkv_history")
}

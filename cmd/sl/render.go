package main

import (
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/ehrlich-b/sandlink/internal/session"
	"github.com/ehrlich-b/sandlink/internal/workspace"
	"github.com/ehrlich-b/sandlink/internal/ws"
)

// renderer turns snapshots into a scrolling transcript. It is driven by
// OnChange, whose calls are serialized.
type renderer struct {
	out      io.Writer
	echoUser bool // print user turns typed in this run (stdin is not a terminal)

	started   bool
	shown     map[string]string
	done      map[string]bool
	open      string // turn whose line is still being written
	phase     ws.State
	binding   session.Binding
	errMsg    string
	updating  bool
	progress  int
	wantFiles atomic.Bool
	filesSig  string
}

func newRenderer(out io.Writer, echoUser bool) *renderer {
	return &renderer{
		out:      out,
		echoUser: echoUser,
		shown:    make(map[string]string),
		done:     make(map[string]bool),
		phase:    ws.StateIdle,
	}
}

func (r *renderer) update(s session.Snapshot) {
	r.status(s)
	for _, t := range s.Turns {
		r.turn(t)
	}
	r.started = true
	r.updates(s)
	r.files(s)
}

func (r *renderer) breakLine() {
	if r.open != "" {
		fmt.Fprintln(r.out)
		r.open = ""
	}
}

func (r *renderer) note(format string, args ...any) {
	r.breakLine()
	fmt.Fprintf(r.out, "["+format+"]\n", args...)
}

func (r *renderer) status(s session.Snapshot) {
	if s.Phase != r.phase {
		switch s.Phase {
		case ws.StateOpen:
			r.note("connected")
		case ws.StateConnecting:
			if r.phase == ws.StateOpen {
				r.note("link lost, reconnecting")
			}
		case ws.StateClosed:
			if s.Fatal {
				r.note("disconnected for good")
			} else {
				r.note("disconnected")
			}
		}
		r.phase = s.Phase
	}

	if s.HandshakeComplete && s.Binding != r.binding {
		b := s.Binding
		switch s.LastCase {
		case session.CaseSubstituted:
			r.note("sandbox %s replaced %s; listing follows the new sandbox", b.RemoteSandboxID, b.PreviousSandboxID)
		default:
			r.note("sandbox %s %s", b.RemoteSandboxID, s.LastCase)
		}
		if b.URL != "" {
			fmt.Fprintf(r.out, "  preview: %s\n", b.URL)
		}
		r.binding = b
	}

	msg := ""
	if s.LastError != nil {
		msg = s.LastError.Error()
	}
	if msg != r.errMsg {
		if msg != "" {
			r.note("error: %s", msg)
		}
		r.errMsg = msg
	}
}

func (r *renderer) turn(t session.Turn) {
	if r.done[t.ID] {
		return
	}
	if t.Role == session.RoleUser {
		if !r.started || r.echoUser {
			r.breakLine()
			fmt.Fprintf(r.out, "you> %s\n", t.Text)
		}
		r.done[t.ID] = true
		return
	}

	prev, seen := r.shown[t.ID]
	if t.Streaming && seen && prev == t.Text {
		return
	}
	if r.open == t.ID && strings.HasPrefix(t.Text, prev) {
		fmt.Fprint(r.out, t.Text[len(prev):])
	} else {
		r.breakLine()
		fmt.Fprint(r.out, "agent> ", t.Text)
	}
	r.shown[t.ID] = t.Text
	r.open = t.ID
	if !t.Streaming {
		fmt.Fprintln(r.out)
		r.open = ""
		r.done[t.ID] = true
		delete(r.shown, t.ID)
	}
}

func (r *renderer) updates(s session.Snapshot) {
	if s.Updating && !r.updating {
		r.note("updating workspace")
	}
	if len(s.Progress) < r.progress {
		r.progress = 0
	}
	for _, p := range s.Progress[r.progress:] {
		r.breakLine()
		fmt.Fprintf(r.out, "  - %s\n", p.Text)
	}
	r.progress = len(s.Progress)
	if !s.Updating && r.updating {
		r.note("workspace updated")
	}
	r.updating = s.Updating
}

func (r *renderer) files(s session.Snapshot) {
	if !r.wantFiles.Load() || !s.FilesFetched {
		return
	}
	paths := workspace.SortedPaths(s.Files)
	var sig strings.Builder
	for _, p := range paths {
		fmt.Fprintf(&sig, "%s:%d;", p, len(s.Files[p]))
	}
	if sig.String() == r.filesSig {
		return
	}
	r.filesSig = sig.String()
	r.note("%d files", len(paths))
	for _, p := range paths {
		fmt.Fprintf(r.out, "  %-40s %6d bytes\n", p, len(s.Files[p]))
	}
}

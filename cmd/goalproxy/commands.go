package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dshills/goalproxy/internal/app"
	"github.com/dshills/goalproxy/internal/config"
	"github.com/dshills/goalproxy/internal/lsp"
	"github.com/dshills/goalproxy/internal/proof"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "goalproxy %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

func newSocketPathCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "socket-path",
		Short: "Print the display socket path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := f.socketPath(cmd)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}

func (f *flags) socketPath(cmd *cobra.Command) (string, error) {
	opts, err := f.options(cmd, nil)
	if err != nil {
		return "", err
	}
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return "", err
	}
	opts.Overrides(&cfg)
	return app.SocketPath(cfg, opts.WorkDir), nil
}

func newWatchCmd(f *flags) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print proof state published by a running proxy",
		Long: `Connects to the display socket and prints every update.

By default snapshots are rendered as goals with their hypotheses; --raw
prints the JSON lines exactly as received.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := f.socketPath(cmd)
			if err != nil {
				return err
			}
			var d net.Dialer
			conn, err := d.DialContext(cmd.Context(), "unix", path)
			if err != nil {
				return fmt.Errorf("connect to %s: %w", path, err)
			}
			defer conn.Close()
			go func() {
				<-cmd.Context().Done()
				conn.Close()
			}()
			err = watch(conn, cmd.OutOrStdout(), raw)
			if cmd.Context().Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "print JSON lines unmodified")
	return cmd
}

// update is the union of the display message shapes.
type update struct {
	Type       string       `json:"type"`
	URI        string       `json:"uri"`
	Version    uint64       `json:"version"`
	Subscriber string       `json:"subscriber"`
	Documents  []string     `json:"documents"`
	Method     string       `json:"method"`
	Goals      []proof.Goal `json:"goals"`
	Position   struct {
		Line      uint32 `json:"line"`
		Character uint32 `json:"character"`
	} `json:"position"`
}

func watch(r io.Reader, w io.Writer, raw bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if raw {
			fmt.Fprintf(w, "%s\n", line)
			continue
		}
		var u update
		if err := json.Unmarshal(line, &u); err != nil {
			fmt.Fprintf(w, "? %s\n", line)
			continue
		}
		fmt.Fprint(w, render(u))
	}
	return scanner.Err()
}

func render(u update) string {
	var sb strings.Builder
	switch u.Type {
	case "connected":
		fmt.Fprintf(&sb, "connected as %s, %d open document(s)\n", u.Subscriber, len(u.Documents))
	case "cursor":
		fmt.Fprintf(&sb, "cursor %s:%d:%d (%s)\n", lsp.DocumentPath(u.URI), u.Position.Line+1, u.Position.Character+1, u.Method)
	case "closed":
		fmt.Fprintf(&sb, "closed %s\n", lsp.DocumentPath(u.URI))
	case "snapshot":
		fmt.Fprintf(&sb, "── %s:%d:%d v%d ──\n", lsp.DocumentPath(u.URI), u.Position.Line+1, u.Position.Character+1, u.Version)
		if len(u.Goals) == 0 {
			sb.WriteString("no goals\n")
		}
		for i, g := range u.Goals {
			if i > 0 {
				sb.WriteString("\n")
			}
			for _, h := range g.Hyps {
				fmt.Fprintf(&sb, "%s : %s", strings.Join(h.Names, " "), h.Type)
				if h.Value != "" {
					fmt.Fprintf(&sb, " := %s", h.Value)
				}
				sb.WriteString("\n")
			}
			prefix := g.Prefix
			if prefix == "" {
				prefix = "⊢ "
			}
			fmt.Fprintf(&sb, "%s%s\n", prefix, g.Target)
		}
	default:
		fmt.Fprintf(&sb, "%s\n", u.Type)
	}
	return sb.String()
}

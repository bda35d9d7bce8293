// Command diskbuffer inspects and maintains disk-backed fan-out buffer
// directories, and manages the record journals that feed them.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"diskbuffer/internal/buffer"
	"diskbuffer/internal/journal"

	"github.com/spf13/cobra"
)

var version = "dev"

// emptyIn is the upstream for maintenance commands that only touch the
// buffer directory itself.
type emptyIn struct{}

func (emptyIn) ReadChunk(int) ([][]byte, error) { return nil, nil }
func (emptyIn) Commit() error                   { return nil }

func main() {
	level := &slog.LevelVar{}
	level.Set(slog.LevelWarn)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var verbose bool

	rootCmd := &cobra.Command{
		Use:     "diskbuffer",
		Short:   "Disk-backed fan-out buffer tools",
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				level.Set(slog.LevelDebug)
			}
		},
	}
	rootCmd.PersistentFlags().StringP("dir", "d", "", "buffer directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(
		newFeedCmd(),
		newCatCmd(logger),
		newStatCmd(logger),
		newLagCmd(logger),
		newGCCmd(logger),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func dirFromCmd(cmd *cobra.Command) (string, error) {
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		return "", errors.New("--dir is required")
	}
	return dir, nil
}

// newFeedCmd appends records (one per input line) to a source journal,
// creating it if needed.
func newFeedCmd() *cobra.Command {
	var source, file string
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Append records from stdin (or a file) to a source journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if source == "" {
				return errors.New("--source is required")
			}
			var input io.Reader = os.Stdin
			if file != "" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				input = f
			}

			w, err := journal.OpenAppend(source, journal.Options{})
			if os.IsNotExist(err) {
				w, err = journal.Create(source, journal.Options{})
			}
			if err != nil {
				return err
			}

			count := 0
			scanner := bufio.NewScanner(input)
			scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
			for scanner.Scan() {
				rec := make([]byte, len(scanner.Bytes()))
				copy(rec, scanner.Bytes())
				if err := w.Append(rec); err != nil {
					_ = w.Close()
					return err
				}
				count++
			}
			if err := scanner.Err(); err != nil {
				_ = w.Close()
				return err
			}
			if err := w.Commit(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "appended %d records to %s\n", count, source)
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "source journal path")
	cmd.Flags().StringVar(&file, "file", "", "read records from this file instead of stdin")
	return cmd
}

func newCatCmd(logger *slog.Logger) *cobra.Command {
	var source string
	var count int
	var commit, compress bool
	cmd := &cobra.Command{
		Use:   "cat",
		Short: "Read records through the buffer and print them",
		Long:  "Reads records through the buffer. Read-only by default: the buffer directory and the source cursor are left untouched. With --commit the read is consumed like a normal reader would.",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := dirFromCmd(cmd)
			if err != nil {
				return err
			}
			if source == "" {
				return errors.New("--source is required")
			}
			opts := buffer.Options{
				In:       func() (buffer.In, error) { return journal.In(source) },
				Dir:      dir,
				ReadOnly: !commit,
				Logger:   logger,
			}
			if compress {
				opts.Compression = journal.CompressionZstd
			}
			b, err := buffer.New(opts)
			if err != nil {
				return err
			}
			defer b.Close()

			remaining := count
			for remaining != 0 {
				n := remaining
				if n < 0 || n > 1000 {
					n = 1000
				}
				recs, err := b.ReadChunk(n)
				if err != nil {
					return err
				}
				if len(recs) == 0 {
					break
				}
				for _, rec := range recs {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\n", rec)
				}
				if remaining > 0 {
					remaining -= len(recs)
				}
			}
			if commit {
				return b.Commit()
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "source journal path")
	cmd.Flags().IntVarP(&count, "count", "n", -1, "records to read (-1 for all)")
	cmd.Flags().BoolVar(&commit, "commit", false, "consume the records instead of peeking")
	cmd.Flags().BoolVar(&compress, "compress", false, "zstd-compress chunks created while reading")
	return cmd
}

func newStatCmd(logger *slog.Logger) *cobra.Command {
	var probeLocks bool
	cmd := &cobra.Command{
		Use:   "stat",
		Short: "List the chunks in a buffer directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := dirFromCmd(cmd)
			if err != nil {
				return err
			}
			b, err := buffer.New(buffer.Options{
				In:       func() (buffer.In, error) { return emptyIn{}, nil },
				Dir:      dir,
				ReadOnly: !probeLocks,
				Logger:   logger,
			})
			if err != nil {
				return err
			}
			defer b.Close()

			chunks, err := b.Chunks()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if probeLocks {
				fmt.Fprintf(out, "%-12s %-12s %s\n", "CHUNK", "LAG", "LOCKED")
				for _, c := range chunks {
					fmt.Fprintf(out, "%-12d %-12d %v\n", c.ID, c.Lag, c.Locked)
				}
			} else {
				fmt.Fprintf(out, "%-12s %s\n", "CHUNK", "LAG")
				for _, c := range chunks {
					fmt.Fprintf(out, "%-12d %d\n", c.ID, c.Lag)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&probeLocks, "locks", false, "probe chunk ownership locks (opens the buffer read-write)")
	return cmd
}

func newLagCmd(logger *slog.Logger) *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "lag",
		Short: "Report unread bytes buffered in the directory (and upstream, with --source)",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := dirFromCmd(cmd)
			if err != nil {
				return err
			}
			factory := buffer.Factory(func() (buffer.In, error) { return emptyIn{}, nil })
			if source != "" {
				factory = func() (buffer.In, error) { return journal.In(source) }
			}
			b, err := buffer.New(buffer.Options{In: factory, Dir: dir, ReadOnly: true, Logger: logger})
			if err != nil {
				return err
			}
			defer b.Close()

			bufLag, err := b.BufferLag()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "buffer:   %d\n", bufLag)
			if source != "" {
				total, err := b.Lag()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "upstream: %d\n", total-bufLag)
				fmt.Fprintf(cmd.OutOrStdout(), "total:    %d\n", total)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "source journal path")
	return cmd
}

func newGCCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Force a garbage-collection pass on a buffer directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := dirFromCmd(cmd)
			if err != nil {
				return err
			}
			b, err := buffer.New(buffer.Options{
				In:     func() (buffer.In, error) { return emptyIn{}, nil },
				Dir:    dir,
				Logger: logger,
			})
			if err != nil {
				return err
			}
			defer b.Close()
			return b.GC()
		},
	}
}

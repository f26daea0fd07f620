// Command udsindex is a playground CLI for the uds dedupe index.
//
// Usage:
//
//	udsindex create --path idx [--zones N] [--sparse]
//	udsindex put --path idx <name-hex> <metadata-hex>
//	udsindex query --path idx <name-hex>
//	udsindex delete --path idx <name-hex>
//	udsindex stats --path idx
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/vdo-uds/uds"
)

var errNameRequired = errors.New("a 32-character hex name is required")

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return errors.New(usage())
	}

	ctx := context.Background()

	switch args[0] {
	case "create":
		return cmdCreate(args[1:])
	case "put":
		return cmdWrite(ctx, uds.KindPost, args[1:])
	case "update":
		return cmdWrite(ctx, uds.KindUpdate, args[1:])
	case "query":
		return cmdWrite(ctx, uds.KindQuery, args[1:])
	case "delete":
		return cmdWrite(ctx, uds.KindDelete, args[1:])
	case "stats":
		return cmdStats(args[1:])
	case "help", "-h", "--help":
		fmt.Print(usage())
		return nil
	default:
		return fmt.Errorf("unknown command %q\n\n%s", args[0], usage())
	}
}

func usage() string {
	return `udsindex: exercise the uds dedupe index from the command line

  udsindex create --path idx [--zones N] [--sparse]
  udsindex put    --path idx <name-hex> <metadata-hex>
  udsindex update --path idx <name-hex> <metadata-hex>
  udsindex query  --path idx <name-hex>
  udsindex delete --path idx <name-hex>
  udsindex stats  --path idx
`
}

func cmdCreate(args []string) error {
	flagSet := flag.NewFlagSet("create", flag.ContinueOnError)

	path := flagSet.String("path", "", "volume path (required)")
	zones := flagSet.UintP("zones", "z", 1, "zone count")
	sparse := flagSet.Bool("sparse", false, "demote aged chapters to sparse indexing")
	chapters := flagSet.Int("chapters", 1024, "chapters-per-volume retention window")

	if err := flagSet.Parse(args); err != nil {
		return err
	}

	if *path == "" {
		return errors.New("--path is required")
	}

	sess, err := uds.Create(uds.Parameters{
		Path:      *path,
		ZoneCount: uint32(*zones), //nolint:gosec // bounded CLI input
		Sparse:    *sparse,
		Chapters:  *chapters,
	})
	if err != nil {
		return err
	}
	defer sess.Close(true)

	fmt.Printf("created %s (zones=%d sparse=%v)\n", *path, *zones, *sparse)

	return nil
}

func cmdWrite(ctx context.Context, kind uds.RequestKind, args []string) error {
	flagSet := flag.NewFlagSet(kind.String(), flag.ContinueOnError)
	path := flagSet.String("path", "", "volume path (required)")

	if err := flagSet.Parse(args); err != nil {
		return err
	}

	if *path == "" {
		return errors.New("--path is required")
	}

	positional := flagSet.Args()
	if len(positional) < 1 {
		return errNameRequired
	}

	name, err := parseName(positional[0])
	if err != nil {
		return err
	}

	var metadata []byte

	if kind == uds.KindPost || kind == uds.KindUpdate {
		if len(positional) < 2 {
			return errors.New("metadata hex is required for put/update")
		}

		metadata, err = hex.DecodeString(positional[1])
		if err != nil {
			return fmt.Errorf("decoding metadata: %w", err)
		}
	}

	sess, err := uds.Open(uds.Parameters{Path: *path}, uds.ModeLoad)
	if err != nil {
		return err
	}
	defer sess.Close(true)

	result, err := sess.Request(ctx, uds.Request{Name: name, Metadata: metadata, Kind: kind})
	if err != nil {
		return err
	}

	printResult(kind, result)

	return nil
}

func printResult(kind uds.RequestKind, result uds.Result) {
	fmt.Printf("%s: found=%v location=%s", kind, result.Found, result.Location)

	if result.Found && result.OldMetadata != nil {
		fmt.Printf(" old_metadata=%s", hex.EncodeToString(result.OldMetadata))
	}

	fmt.Println()
}

func cmdStats(args []string) error {
	flagSet := flag.NewFlagSet("stats", flag.ContinueOnError)
	path := flagSet.String("path", "", "volume path (required)")

	if err := flagSet.Parse(args); err != nil {
		return err
	}

	if *path == "" {
		return errors.New("--path is required")
	}

	sess, err := uds.Open(uds.Parameters{Path: *path}, uds.ModeLoad)
	if err != nil {
		return err
	}
	defer sess.Close(true)

	stats := sess.GetStats()

	fmt.Printf("records=%d collisions=%d discards=%d early_flushes=%d\n",
		stats.RecordCount, stats.CollisionCount, stats.DiscardCount, stats.EarlyFlushCount)
	fmt.Printf("chapters=[%d,%d] generation=%d\n",
		stats.OldestVirtualChapter, stats.NewestVirtualChapter, stats.Generation)
	fmt.Printf("sparse: barrier_misses=%d barrier_hits=%d search_hits=%d\n",
		stats.SparseBarrierMisses, stats.SparseBarrierHits, stats.SparseSearchHits)

	return nil
}

func parseName(s string) (uds.Name, error) {
	var name uds.Name

	raw, err := hex.DecodeString(s)
	if err != nil {
		return name, fmt.Errorf("decoding name: %w", err)
	}

	if len(raw) != uds.NameSize {
		return name, fmt.Errorf("name must be %d bytes (%d hex chars), got %d bytes", uds.NameSize, uds.NameSize*2, len(raw))
	}

	copy(name[:], raw)

	return name, nil
}

// Command sessionctl inspects and compacts an mvccsession database's
// session file from outside the owning process.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/latticedb/mvccsession/internal/session"
)

func main() {
	log.SetFlags(0)
	if len(os.Args) < 3 {
		usage()
	}

	cmd, dbPath := os.Args[1], os.Args[2]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	memOnly := fs.Bool("mem-only", false, "open with MemOnly durability")
	fs.Parse(os.Args[3:])

	durability := session.DurabilityFull
	if *memOnly {
		durability = session.DurabilityMemOnly
	}

	alloc := &session.FlatFileAllocator{}
	coord, err := session.Open(dbPath, session.Config{
		Durability: durability,
		Allocator:  alloc,
		Writer:     alloc,
	})
	if err != nil {
		log.Fatalf("open %s: %v", dbPath, err)
	}
	defer coord.Close()

	switch cmd {
	case "status":
		runStatus(coord)
	case "compact":
		runCompact(coord)
	default:
		usage()
	}
}

func runStatus(coord *session.Coordinator) {
	fmt.Printf("participants:        %d\n", coord.NumParticipants())
	fmt.Printf("latest_version:       %d\n", coord.LatestVersionNumber())
	fmt.Printf("number_of_versions:   %d\n", coord.NumberOfVersions())
}

func runCompact(coord *session.Coordinator) {
	if coord.NumParticipants() != 1 {
		log.Fatalf("compact: refusing, %d other participants are attached", coord.NumParticipants()-1)
	}
	if err := coord.Compact(); err != nil {
		log.Fatalf("compact: %v", err)
	}
	fmt.Println("compaction complete")
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: sessionctl <status|compact> <db-path> [flags]")
	os.Exit(2)
}

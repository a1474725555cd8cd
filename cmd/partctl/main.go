// Command partctl is a small interactive driver for exercising a partition
// root from the command line: allocate, free, dump stats, purge, and run a
// PCScan cycle, useful for manual testing and for demonstrating the
// allocator without writing a Go program against the library.
package main

import (
	"fmt"
	"os"
	"strconv"
	"unsafe"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/voidforge/partitionalloc/partition"
)

var root *partition.Root

func main() {
	rootCmd := &cobra.Command{
		Use:   "partctl",
		Short: "Exercise a partition allocator root from the command line",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg := partition.Config{
				Name:        "partctl",
				ThreadCache: partition.ThreadCacheEnabled,
				Quarantine:  partition.QuarantineAllowed,
				OnOutOfMemory: func(size uintptr, exhausted bool) {
					logrus.WithField("size", size).WithField("address_space_exhausted", exhausted).Fatal("out of memory")
				},
			}
			var err error
			root, err = partition.NewRoot(cfg)
			return err
		},
	}

	rootCmd.AddCommand(allocCmd(), freeCmd(), statsCmd(), purgeCmd(), scanCmd(), benchCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func allocCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "alloc <size>",
		Short: "Allocate size bytes and print the resulting address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			size, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return err
			}
			ptr, err := root.Alloc(uintptr(size))
			if err != nil {
				return err
			}
			fmt.Printf("allocated %d bytes at %#x\n", size, uintptr(ptr))
			return nil
		},
	}
}

func freeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "free <addr>",
		Short: "Free a previously printed address (hex, e.g. 0x...)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := strconv.ParseUint(args[0], 0, 64)
			if err != nil {
				return err
			}
			root.Free(unsafe.Pointer(uintptr(addr)))
			fmt.Printf("freed %#x\n", addr)
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Dump committed/reserved/quarantined byte counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			root.DumpStats(func(s partition.RootStats) {
				fmt.Printf("committed=%d reserved_superpage=%d reserved_directmap=%d quarantined=%d\n",
					s.CommittedBytes, s.ReservedSuperPageBytes, s.ReservedDirectMapBytes, s.QuarantinedBytes)
				for _, b := range s.Buckets {
					if b.AllocatedSlots == 0 && b.ActiveSpanCount == 0 {
						continue
					}
					fmt.Printf("  bucket slot_size=%d allocated_slots=%d active_spans=%d empty_spans=%d decommitted_spans=%d\n",
						b.SlotSize, b.AllocatedSlots, b.ActiveSpanCount, b.EmptySpanCount, b.DecommittedCount)
				}
			})
			return nil
		},
	}
}

func purgeCmd() *cobra.Command {
	var decommit, discard bool
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Decommit empty spans and/or discard unused system pages",
		RunE: func(cmd *cobra.Command, args []string) error {
			var flags partition.PurgeFlags
			if decommit {
				flags |= partition.PurgeDecommitEmptySpans
			}
			if discard {
				flags |= partition.PurgeDiscardUnusedSystemPages
			}
			root.PurgeMemory(flags)
			return nil
		},
	}
	cmd.Flags().BoolVar(&decommit, "decommit-empty", true, "decommit empty slot spans")
	cmd.Flags().BoolVar(&discard, "discard-unused", false, "discard unused system pages in active spans")
	return cmd
}

func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Schedule and run one PCScan cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			root.ScheduleScan()
			root.PerformScan()
			fmt.Println("scan complete")
			return nil
		},
	}
}

func benchCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Allocate and free --count objects, cycling through fixed sizes from 16 B to 2 MiB",
		RunE: func(cmd *cobra.Command, args []string) error {
			sizes := []uintptr{16, 32, 64, 256, 1024, 8192, 65536, 2 * 1024 * 1024}
			ptrs := make([]unsafe.Pointer, 0, n)
			for i := 0; i < n; i++ {
				size := sizes[i%len(sizes)]
				ptr, err := root.Alloc(size)
				if err != nil {
					return err
				}
				ptrs = append(ptrs, ptr)
			}
			for _, p := range ptrs {
				root.Free(p)
			}
			fmt.Printf("allocated and freed %d objects\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&n, "count", 1000, "number of objects to allocate and free")
	return cmd
}

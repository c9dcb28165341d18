package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andreyvit/capstore"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "capstore",
		Short: "Inspect capstore database files",
		Long:  "capstore examines record store database files without needing the schema of the program that wrote them.",
	}

	statsCmd := &cobra.Command{
		Use:   "stats FILE",
		Short: "Print per-store configuration and counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stores, err := capstore.Inspect(args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STORE\tKIND\tRECORDS\tBYTES\tLIVE RECORDS\tLIVE BYTES\tFIRST\tLAST")
			for _, s := range stores {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%v\t%v\n",
					s.Name, kindOf(s), s.NumRecords, s.DataSize, s.LiveRecords, s.LiveBytes, s.FirstID, s.LastID)
			}
			return w.Flush()
		},
	}
	rootCmd.AddCommand(statsCmd)

	validateCmd := &cobra.Command{
		Use:   "validate FILE",
		Short: "Check record keys and compare persisted counters against a scan",
		Long:  "validate reads every record of every store, reporting malformed keys and counter drift. Payload-level checks of log stores need the writing program's schema and are not attempted here.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stores, err := capstore.Inspect(args[0])
			if err != nil {
				return err
			}
			var bad int
			for _, s := range stores {
				if s.BadKeys > 0 {
					fmt.Printf("%s: %d malformed record keys\n", s.Name, s.BadKeys)
					bad++
					continue
				}
				if s.NumRecords != s.LiveRecords || s.DataSize != s.LiveBytes {
					fmt.Printf("%s: counters report %d records totaling %d bytes, scan found %d records totaling %d bytes\n",
						s.Name, s.NumRecords, s.DataSize, s.LiveRecords, s.LiveBytes)
					bad++
					continue
				}
				fmt.Printf("%s: ok, %d records totaling %d bytes\n", s.Name, s.LiveRecords, s.LiveBytes)
			}
			if bad > 0 {
				return fmt.Errorf("%d of %d stores failed validation", bad, len(stores))
			}
			return nil
		},
	}
	rootCmd.AddCommand(validateCmd)

	dumpCmd := &cobra.Command{
		Use:   "dump FILE STORE",
		Short: "Print the records of one store, oldest first",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			maxBytes, _ := cmd.Flags().GetInt("bytes")
			var printed int
			err := capstore.InspectRecords(args[0], args[1], func(id capstore.RecordID, payload []byte) bool {
				shown := payload
				suffix := ""
				if maxBytes > 0 && len(shown) > maxBytes {
					shown = shown[:maxBytes]
					suffix = "..."
				}
				fmt.Printf("%v (%d) %s%s\n", id, len(payload), hex.EncodeToString(shown), suffix)
				printed++
				return limit <= 0 || printed < limit
			})
			if err != nil {
				return err
			}
			return nil
		},
	}
	dumpCmd.Flags().Int("limit", 0, "Stop after this many records (0 = all)")
	dumpCmd.Flags().Int("bytes", 64, "Show at most this many payload bytes per record (0 = all)")
	rootCmd.AddCommand(dumpCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func kindOf(s capstore.InspectedStore) string {
	switch {
	case s.Log:
		return "log"
	case s.Capped:
		return "capped"
	default:
		return "plain"
	}
}

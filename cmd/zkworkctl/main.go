package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Mr-Ben-dev/ZkWork/pkg/explorer"
	"github.com/Mr-Ben-dev/ZkWork/pkg/field"
	"github.com/Mr-Ben-dev/ZkWork/pkg/record"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "zkworkctl",
		Short:         "Operator tooling for the ZkWork marketplace",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newFieldCommand(), newRecordCommand(), newTxCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newFieldCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "field",
		Short: "Field literal helpers",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "encode <text>",
		Short: "Hash text to its field commitment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(cmd.OutOrStdout(), map[string]string{
				"text":  args[0],
				"field": field.Encode(args[0]),
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "random",
		Short: "Generate a random field salt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			salt, err := field.Random()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{"field": salt})
		},
	})

	return cmd
}

func newRecordCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record plaintext helpers",
	}

	var file string
	classify := &cobra.Command{
		Use:   "classify [plaintext]",
		Short: "Identify a decrypted record by its field layout",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := readInput(cmd.InOrStdin(), file, args)
			if err != nil {
				return err
			}
			fields := record.ParseFields(unwrapRecord(input))
			if len(fields) == 0 {
				return errors.New("input does not look like record plaintext")
			}
			decoded := make(map[string]string, len(fields))
			for k, v := range fields {
				decoded[k] = field.DecodeValue(v)
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"kind":   record.Classify(fields),
				"fields": decoded,
			})
		},
	}
	classify.Flags().StringVarP(&file, "file", "f", "", "read plaintext from a file instead of the argument or stdin")
	cmd.AddCommand(classify)

	return cmd
}

func newTxCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tx",
		Short: "Transaction helpers",
	}

	var (
		endpoint string
		interval time.Duration
		attempts int
	)
	watch := &cobra.Command{
		Use:   "watch <transaction-id>",
		Short: "Poll an explorer until a transaction confirms",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			client := explorer.New(endpoint)
			for i := 1; i <= attempts; i++ {
				ok, err := client.Confirmed(cmd.Context(), id)
				if err != nil {
					return err
				}
				if ok {
					return printJSON(cmd.OutOrStdout(), map[string]string{
						"transactionId": id,
						"status":        "confirmed",
					})
				}
				if i < attempts {
					if err := sleep(cmd.Context(), interval); err != nil {
						return err
					}
				}
			}
			_ = printJSON(cmd.OutOrStdout(), map[string]string{
				"transactionId": id,
				"status":        "pending",
			})
			return fmt.Errorf("transaction %s not confirmed after %d attempts", id, attempts)
		},
	}
	watch.Flags().StringVar(&endpoint, "endpoint", "https://api.explorer.provable.com/v1/testnet", "explorer base URL")
	watch.Flags().DurationVar(&interval, "interval", 5*time.Second, "delay between polls")
	watch.Flags().IntVar(&attempts, "attempts", 60, "maximum polls before giving up")
	cmd.AddCommand(watch)

	return cmd
}

// unwrapRecord accepts either raw record plaintext or the JSON object a
// wallet exports, which carries the plaintext under a "plaintext" key.
func unwrapRecord(input string) string {
	trimmed := strings.TrimSpace(input)
	if strings.HasPrefix(trimmed, `{"`) {
		var obj struct {
			Plaintext string `json:"plaintext"`
		}
		if err := json.Unmarshal([]byte(trimmed), &obj); err == nil && obj.Plaintext != "" {
			return obj.Plaintext
		}
	}
	return trimmed
}

func readInput(stdin io.Reader, file string, args []string) (string, error) {
	if strings.TrimSpace(file) != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	if len(args) == 1 {
		return args[0], nil
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	return enc.Encode(v)
}

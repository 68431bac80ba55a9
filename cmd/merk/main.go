// Command merk is a maintenance shell over a merk store: inspect the root
// commitment, read and write entries, and generate or check proofs.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"

	"cosmossdk.io/log"
	"github.com/spf13/cobra"

	"github.com/turbofish-org/merk"
	"github.com/turbofish-org/merk/db"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:          "merk",
		Short:        "Authenticated key/value store",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "./merk.db", "path to the backing store")

	openStore := func() (*merk.Merk, error) {
		backing, err := db.NewGoLevelDB(dbPath, nil)
		if err != nil {
			return nil, err
		}
		return merk.Open(backing, merk.WithLogger(log.NewLogger(os.Stderr)))
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "root",
			Short: "Print the root hash",
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := openStore()
				if err != nil {
					return err
				}
				defer store.Close()
				hash := store.RootHash()
				if hash == nil {
					fmt.Println("<empty>")
					return nil
				}
				fmt.Printf("%X\n", hash)
				return nil
			},
		},
		&cobra.Command{
			Use:   "get <key>",
			Short: "Read the value stored under a key",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := openStore()
				if err != nil {
					return err
				}
				defer store.Close()
				value, err := store.Get(context.Background(), []byte(args[0]))
				if err != nil {
					return err
				}
				fmt.Printf("%s\n", value)
				return nil
			},
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Write a key/value pair",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := openStore()
				if err != nil {
					return err
				}
				defer store.Close()
				return store.Put(context.Background(), []byte(args[0]), []byte(args[1]))
			},
		},
		&cobra.Command{
			Use:   "del <key>",
			Short: "Delete a key",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := openStore()
				if err != nil {
					return err
				}
				defer store.Close()
				return store.Delete(context.Background(), []byte(args[0]))
			},
		},
		&cobra.Command{
			Use:   "keys [start]",
			Short: "List keys in ascending order",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := openStore()
				if err != nil {
					return err
				}
				defer store.Close()
				var start []byte
				if len(args) == 1 {
					start = []byte(args[0])
				}
				itr, err := store.IterFrom(start)
				if err != nil {
					return err
				}
				defer itr.Close()
				for ; itr.Valid(); itr.Next() {
					fmt.Printf("%s\n", itr.Key())
				}
				return itr.Error()
			},
		},
		proveCmd(openStore),
		verifyCmd(),
	)
	return cmd
}

func proveCmd(openStore func() (*merk.Merk, error)) *cobra.Command {
	var from, to string

	cmd := &cobra.Command{
		Use:   "prove [key...]",
		Short: "Generate a hex-encoded proof for keys or a range",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			var proof []byte
			if from != "" || to != "" {
				proof, err = store.ProveRange(context.Background(), []byte(from), []byte(to))
			} else {
				if len(args) == 0 {
					return fmt.Errorf("no keys given")
				}
				keys := make([][]byte, len(args))
				for i, arg := range args {
					keys[i] = []byte(arg)
				}
				proof, err = store.ProveKeys(context.Background(), keys)
			}
			if err != nil {
				return err
			}
			fmt.Printf("%X\n", proof)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "range proof lower bound")
	cmd.Flags().StringVar(&to, "to", "", "range proof upper bound")
	return cmd
}

func verifyCmd() *cobra.Command {
	var from, to string

	cmd := &cobra.Command{
		Use:   "verify <root-hex> <proof-hex> [key...]",
		Short: "Verify a proof against a root hash and print the proven pairs",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := hex.DecodeString(args[0])
			if err != nil {
				return fmt.Errorf("decoding root hash: %w", err)
			}
			proof, err := hex.DecodeString(args[1])
			if err != nil {
				return fmt.Errorf("decoding proof: %w", err)
			}

			if from != "" || to != "" {
				pairs, err := merk.VerifyRange(root, proof, []byte(from), []byte(to))
				if err != nil {
					return err
				}
				for _, pair := range pairs {
					fmt.Printf("%s: %s\n", pair.Key, pair.Value)
				}
				return nil
			}

			keys := make([][]byte, 0, len(args)-2)
			for _, arg := range args[2:] {
				keys = append(keys, []byte(arg))
			}
			pairs, err := merk.VerifyKeys(root, proof, keys)
			if err != nil {
				return err
			}
			for _, key := range args[2:] {
				if value, ok := pairs[key]; ok {
					fmt.Printf("%s: %s\n", key, value)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "range lower bound")
	cmd.Flags().StringVar(&to, "to", "", "range upper bound")
	return cmd
}

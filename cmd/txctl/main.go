// Command txctl is a minimal direct-injection CLI for exercising the
// consensus pipeline without a JSON-RPC façade in front of it (out of
// scope for this engine). It talks to the transaction store and appeal
// engine directly, in-process, against the same BoltDB files consensusd
// runs against — submit queues a transaction as Pending for the worker
// pool to pick up, appeal files one, and status prints one back.
//
// Grounded on the teacher's cmd/tx-submitter/main.go, repurposed from
// dialing a running node over TCP to opening the store files directly.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nondetchain/consensus-core/internal/appeal"
	"github.com/nondetchain/consensus-core/internal/contractstore"
	"github.com/nondetchain/consensus-core/internal/crypto"
	"github.com/nondetchain/consensus-core/internal/domain"
	"github.com/nondetchain/consensus-core/internal/txstore"
)

func main() {
	var txStorePath, contractStorePath string

	root := &cobra.Command{
		Use:   "txctl",
		Short: "submit, appeal, and inspect transactions directly against the stores",
	}
	root.PersistentFlags().StringVar(&txStorePath, "tx-store-db-path", "./data/tx.db", "BoltDB file for the transaction store")
	root.PersistentFlags().StringVar(&contractStorePath, "contract-store-db-path", "./data/contracts.db", "BoltDB file for the contract store")

	root.AddCommand(
		submitCmd(&txStorePath),
		appealCmd(&txStorePath, &contractStorePath),
		statusCmd(&txStorePath),
		keygenCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func submitCmd(txStorePath *string) *cobra.Command {
	var (
		from, to       string
		data           string
		value          uint64
		deploy         bool
		numValidators  int
		rotationRounds int
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "insert a RunContract or DeployContract transaction as Pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			fromAddr, err := domain.AddressFromHex(from)
			if err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			toAddr, err := domain.AddressFromHex(to)
			if err != nil {
				return fmt.Errorf("--to: %w", err)
			}

			store, err := txstore.Open(*txStorePath)
			if err != nil {
				return err
			}
			defer store.Close()

			txType := domain.TxRunContract
			if deploy {
				txType = domain.TxDeployContract
			}
			tx := &domain.Transaction{
				From:                   fromAddr,
				To:                     toAddr,
				Type:                   txType,
				Data:                   []byte(data),
				Value:                  value,
				NumOfInitialValidators: numValidators,
				ConfigRotationRounds:   rotationRounds,
			}
			hash, err := store.Insert(cmd.Context(), tx)
			if err != nil {
				return err
			}
			fmt.Println(hash.Hex())
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "sender address (hex)")
	cmd.Flags().StringVar(&to, "to", "", "contract address (hex)")
	cmd.Flags().StringVar(&data, "data", "", "calldata")
	cmd.Flags().Uint64Var(&value, "value", 0, "value attached to the call")
	cmd.Flags().BoolVar(&deploy, "deploy", false, "submit as a DeployContract transaction instead of RunContract")
	cmd.Flags().IntVar(&numValidators, "num-validators", 0, "initial validator count override (0 uses the engine default)")
	cmd.Flags().IntVar(&rotationRounds, "rotation-rounds", 0, "leader rotation cap override (0 uses the engine default)")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("to")
	return cmd
}

func appealCmd(txStorePath, contractStorePath *string) *cobra.Command {
	var hashHex string
	cmd := &cobra.Command{
		Use:   "appeal",
		Short: "file an appeal against an Accepted transaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := domain.HashFromHex(hashHex)
			if err != nil {
				return fmt.Errorf("--hash: %w", err)
			}

			store, err := txstore.Open(*txStorePath)
			if err != nil {
				return err
			}
			defer store.Close()
			contracts, err := contractstore.Open(*contractStorePath)
			if err != nil {
				return err
			}
			defer contracts.Close()

			// File only touches the transaction store; the invoker,
			// validator pool, and appeal Config all belong to Process,
			// which the worker pool's appeal scanner runs later, so a
			// bare Engine is enough just to file.
			engine := appeal.New(store, contracts, nil, nil, appeal.Config{})
			if err := engine.File(cmd.Context(), hash); err != nil {
				return err
			}
			fmt.Println("appealed")
			return nil
		},
	}
	cmd.Flags().StringVar(&hashHex, "hash", "", "transaction hash (hex)")
	cmd.MarkFlagRequired("hash")
	return cmd
}

func statusCmd(txStorePath *string) *cobra.Command {
	var hashHex string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "print a transaction's current status",
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := domain.HashFromHex(hashHex)
			if err != nil {
				return fmt.Errorf("--hash: %w", err)
			}

			store, err := txstore.Open(*txStorePath)
			if err != nil {
				return err
			}
			defer store.Close()

			tx, err := store.GetByHash(context.Background(), hash)
			if err != nil {
				return err
			}
			fmt.Printf("status: %s\n", tx.Status)
			fmt.Printf("appealed: %v\n", tx.Appealed)
			fmt.Printf("rotation_count: %d\n", tx.RotationCount)
			fmt.Printf("appeal_failed: %d\n", tx.AppealFailed)
			if tx.ConsensusData != nil {
				fmt.Printf("consensus_history_rounds: %d\n", len(tx.ConsensusHistory.Rounds))
			}
			if len(tx.Data) > 0 {
				fmt.Printf("data: %s\n", hex.EncodeToString(tx.Data))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&hashHex, "hash", "", "transaction hash (hex)")
	cmd.MarkFlagRequired("hash")
	return cmd
}

// keygenCmd generates a validator identity: an ECDSA P-256 key pair, a
// did:key identifier derived from the public key, and the domain.Address
// (RIPEMD160(SHA256(pubkey)), the same 20-byte shape every other address
// in this engine uses) that goes in a validators.json entry's "address"
// field. The private key is written to --out as an unencrypted PEM file;
// nothing about it is printed.
func keygenCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "generate a validator key pair, DID, and address",
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, err := crypto.GenerateECDSAKeyPair()
			if err != nil {
				return err
			}
			if err := crypto.SavePrivateKeyPEM(priv, out, nil); err != nil {
				return fmt.Errorf("save private key to %s: %w", out, err)
			}

			pubBytes, err := crypto.SerializePublicKeyToBytes(&priv.PublicKey)
			if err != nil {
				return err
			}
			hash, err := crypto.HashPublicKey(pubBytes)
			if err != nil {
				return err
			}
			var addr domain.Address
			copy(addr[:], hash)

			did, err := crypto.GenerateDIDKeyFromECDSAPublicKey(&priv.PublicKey)
			if err != nil {
				return err
			}

			fmt.Printf("address: %s\n", addr.Hex())
			fmt.Printf("did: %s\n", did)
			fmt.Printf("private_key: %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "./validator.pem", "path to write the unencrypted PEM private key")
	return cmd
}

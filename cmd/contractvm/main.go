// contractvm runs WASM contracts against a local state database.
//
// Usage:
//
//	contractvm [flags] deploy <file.wasm>
//	contractvm [flags] query <contract> [hex payload]
//	contractvm [flags] transact <contract> [hex payload]
//	contractvm [flags] inspect [contract]
//	contractvm [flags] persist <file>
//	contractvm [flags] restore <file>
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/fortiblox/contractvm/internal/types"
	"github.com/fortiblox/contractvm/pkg/contract"
	"github.com/fortiblox/contractvm/pkg/network"
	"github.com/fortiblox/contractvm/pkg/sandbox"
	"github.com/fortiblox/contractvm/pkg/state"
	"github.com/fortiblox/contractvm/pkg/trie"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

var errUsage = errors.New("usage: contractvm [flags] deploy|query|transact|inspect|persist|restore ...")

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "contractvm: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	v, rest, err := getViper(args)
	if err != nil {
		return err
	}
	p, err := loadParams(v)
	if err != nil {
		return err
	}
	if p.Version {
		fmt.Printf("contractvm %s (%s)\n", Version, GitCommit)
		return nil
	}
	if len(rest) == 0 {
		return errUsage
	}

	log, err := newLogger(p.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		// The first signal interrupts the running call. Restoring the default
		// handling lets a second one kill the process.
		<-ctx.Done()
		stop()
	}()

	ns, engine, err := openNetwork(ctx, p, log)
	if err != nil {
		return err
	}
	defer engine.Close(context.Background())
	defer ns.Close()

	cmd, cmdArgs := rest[0], rest[1:]
	switch cmd {
	case "deploy":
		return deploy(ns, cmdArgs)
	case "query":
		return query(ctx, ns, cmdArgs)
	case "transact":
		return transact(ctx, ns, cmdArgs)
	case "inspect":
		return inspect(ns, cmdArgs)
	case "persist":
		return persist(ns, cmdArgs)
	case "restore":
		return restore(ns, cmdArgs)
	default:
		return fmt.Errorf("unknown command %q: %w", cmd, errUsage)
	}
}

func openNodes(p params, log *zap.Logger) (trie.NodeStore, error) {
	var (
		inner trie.NodeStore
		err   error
	)
	switch p.Backend {
	case backendBolt:
		inner, err = trie.NewBoltStore(trie.DefaultBoltStoreConfig(filepath.Join(p.DataDir, "state.db")))
	default:
		cfg := trie.DefaultBadgerStoreConfig(filepath.Join(p.DataDir, "state"))
		cfg.Logger = log.Named("badger")
		inner, err = trie.NewBadgerStore(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", p.Backend, err)
	}
	cached, err := trie.NewCachedStore(inner, p.CacheSize)
	if err != nil {
		inner.Close()
		return nil, err
	}
	return cached, nil
}

func openNetwork(ctx context.Context, p params, log *zap.Logger) (*network.NetworkState, *sandbox.WazeroEngine, error) {
	ecfg := sandbox.DefaultConfig()
	ecfg.MemoryLimitPages = p.MemoryPages
	ecfg.Logger = log.Named("sandbox")
	engine, err := sandbox.NewWazeroEngine(ctx, ecfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create engine: %w", err)
	}

	nodes, err := openNodes(p, log)
	if err != nil {
		engine.Close(ctx)
		return nil, nil, err
	}

	cfg := network.DefaultConfig()
	cfg.Engine = engine
	cfg.Logger = log
	cfg.GasLimit = p.GasLimit
	cfg.MaxCallDepth = p.CallDepth
	cfg.CallTimeout = p.CallTimeout
	ns, err := network.Open(nodes, cfg)
	if err != nil {
		nodes.Close()
		engine.Close(ctx)
		return nil, nil, fmt.Errorf("open state: %w", err)
	}
	return ns, engine, nil
}

func parsePayload(args []string) ([]byte, error) {
	if len(args) == 0 {
		return nil, nil
	}
	b, err := hex.DecodeString(args[0])
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	return b, nil
}

func parseTarget(args []string) (types.ContractID, []string, error) {
	if len(args) == 0 {
		return types.ContractID{}, nil, errUsage
	}
	id, err := types.ContractIDFromBase58(args[0])
	if err != nil {
		return types.ContractID{}, nil, fmt.Errorf("contract id: %w", err)
	}
	return id, args[1:], nil
}

func deploy(ns *network.NetworkState, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	code, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	id, err := ns.Deploy(contract.New(code))
	if err != nil {
		return err
	}
	if _, err := ns.Commit(); err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func query(ctx context.Context, ns *network.NetworkState, args []string) error {
	id, rest, err := parseTarget(args)
	if err != nil {
		return err
	}
	payload, err := parsePayload(rest)
	if err != nil {
		return err
	}
	rv, err := ns.Query(ctx, id, payload, nil)
	if err != nil {
		return err
	}
	fmt.Println(hex.EncodeToString(rv.Bytes()))
	return nil
}

func transact(ctx context.Context, ns *network.NetworkState, args []string) error {
	id, rest, err := parseTarget(args)
	if err != nil {
		return err
	}
	payload, err := parsePayload(rest)
	if err != nil {
		return err
	}
	st, rv, err := ns.Transact(ctx, id, payload, nil)
	if err != nil {
		return err
	}
	root, err := ns.Commit()
	if err != nil {
		return err
	}
	fmt.Printf("balance=%s nonce=%d return=%s root=%s\n",
		st.Balance().ToBig().String(), st.Nonce(), hex.EncodeToString(rv.Bytes()), root)
	return nil
}

func inspect(ns *network.NetworkState, args []string) error {
	if len(args) > 0 {
		id, _, err := parseTarget(args)
		if err != nil {
			return err
		}
		st, found, err := ns.GetContractState(id)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("contract %s not found", id)
		}
		printState(id, st)
		return nil
	}

	root, err := ns.Root()
	if err != nil {
		return err
	}
	fmt.Printf("root %s\n", root)
	if nodes, ok, err := ns.NodeCount(); err != nil {
		return err
	} else if ok {
		fmt.Printf("nodes %d\n", nodes)
	}
	return ns.Iterate(func(id types.ContractID, st state.ContractState) error {
		printState(id, st)
		return nil
	})
}

func printState(id types.ContractID, st state.ContractState) {
	code := st.Code()
	fmt.Printf("%s balance=%s nonce=%d code=%dB schedule=%d\n",
		id, st.Balance().ToBig().String(), st.Nonce(), code.Len(), code.Schedule())
}

func persist(ns *network.NetworkState, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	f, err := os.Create(args[0])
	if err != nil {
		return err
	}
	if _, err := ns.Persist(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func restore(ns *network.NetworkState, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	if err := ns.Restore(f); err != nil {
		return err
	}
	root, err := ns.Commit()
	if err != nil {
		return err
	}
	fmt.Printf("restored root %s\n", root)
	return ns.Compact()
}

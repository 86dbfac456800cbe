// cmd/ledgerctl — operator CLI for the transaction ledger and price cache.
//
//	ledgerctl [-config file] append -account A -symbol BTCUSDT -side BUY -qty 1 -price 65000
//	ledgerctl import -account A -file trades.csv
//	ledgerctl transactions -account A
//	ledgerctl holdings -account A [-method WEIGHTED_AVERAGE]
//	ledgerctl accounts
//	ledgerctl snapshot
//
// Stores are selected by the same configuration marketd reads.
package main

import (
	"context"
	"flag"
	"os"
	"path"

	"github.com/google/subcommands"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config")
	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))

	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")
	for _, c := range commands(configPath, os.Stdout) {
		commander.Register(c, "ledger")
	}
	commander.Register(&snapshotCmd{base: base{configPath: configPath, out: os.Stdout}}, "cache")

	flag.Parse()
	os.Exit(int(commander.Execute(context.Background())))
}

// Command snaptoolsfsck runs the snapshot/subvolume consistency checker
// against an on-disk store and, optionally, dumps every row in the fixed
// textual format. No option-parsing library beyond stdlib flag is used
// here: this tool is deliberately a thin, single-purpose wrapper.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/snaptree-fs/snaptree/config"
	"github.com/snaptree-fs/snaptree/internal/btreekv"
	"github.com/snaptree-fs/snaptree/internal/logx"
	"github.com/snaptree-fs/snaptree/snapshot"
)

func main() {
	var (
		dump    bool
		cfgPath string
	)
	flag.BoolVar(&dump, "dump", false, "also print every snapshot and subvolume row")
	flag.StringVar(&cfgPath, "config", "", "optional EngineConfig TOML file")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage:", os.Args[0], "[-dump] [-config path] <datadir>")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	datadir := flag.Arg(0)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	db, err := btreekv.Open(datadir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening store: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	log := logx.New()
	eng := snapshot.NewEngine(db, cfg, snapshot.NopWriteRef{}, log)
	if err := eng.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "snapshots_start: %v\n", err)
		os.Exit(1)
	}
	defer eng.Exit()

	if dump {
		if err := eng.DumpAll(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "dumping rows: %v\n", err)
			os.Exit(1)
		}
	}

	problems := eng.Check()
	if len(problems) == 0 {
		fmt.Println("ok")
		return
	}
	for _, p := range problems {
		fmt.Fprintln(os.Stderr, p)
	}
	os.Exit(1)
}

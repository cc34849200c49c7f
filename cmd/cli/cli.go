package cli

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
	"github.com/verdict-network/verdict/cmd/rpc"
	"github.com/verdict-network/verdict/consensus"
	"github.com/verdict-network/verdict/controller"
	"github.com/verdict-network/verdict/lib"
	"github.com/verdict-network/verdict/mirror"
	"github.com/verdict-network/verdict/runner"
	"github.com/verdict-network/verdict/store"
)

var rootCmd = &cobra.Command{
	Use:   "verdict",
	Short: "the verdict consensus node",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		config = InitializeDataDirectory(DataDir, lib.NewDefaultLogger())
		l = lib.NewLogger(lib.LoggerConfig{Level: config.GetLogLevel(), MaxSizeMB: config.LogMaxSizeMB}, config.DataDirPath)
		if adminURL == "" {
			adminURL = "http://localhost:" + config.AdminPort
		}
		client = rpc.NewClient(adminURL)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(rpc.SoftwareVersion)
	},
}

var (
	client, config, l = &rpc.Client{}, lib.Config{}, lib.LoggerI(nil)
	DataDir, adminURL = "", ""
)

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(adminCmd)
	rootCmd.PersistentFlags().StringVar(&DataDir, "data-dir", lib.DefaultDataDirPath(), "custom data directory location")
	rootCmd.PersistentFlags().StringVar(&adminURL, "admin-url", "", "admin rpc of the node (defaults to localhost and the configured admin port)")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "start the consensus node",
	Run: func(cmd *cobra.Command, args []string) {
		Start()
	},
}

// Start() is the entrypoint of the node
func Start() {
	// initialize the metrics server
	metrics := lib.NewMetricsServer(config.MetricsConfig, l)
	// open the database
	db, err := store.New(config.StoreConfig, l)
	if err != nil {
		l.Fatal(err.Error())
	}
	// seed the validator registry from the genesis file on first start
	if err = loadGenesisValidators(db, config.DataDirPath); err != nil {
		l.Fatal(err.Error())
	}
	// connect the execution runners
	registry := runner.NewRegistryFromConfig(config.RunnerConfig, config.RunnerCallTimeout())
	gateway := runner.NewGateway(registry, config.RunnerCallTimeout(), config.RunnerRetries, metrics, l)
	// optionally mirror finalized transactions to an external ledger
	var sink lib.MirrorI
	var ledger *mirror.RPCMirror
	if config.MirrorEnabled {
		if ledger, err = mirror.New(config.MirrorConfig, l); err != nil {
			l.Fatal(err.Error())
		}
		ledger.Start()
		sink = ledger
	}
	machine := consensus.New(config.ConsensusConfig, db, gateway, sink, metrics, l)
	dispatcher := controller.New(config.ConsensusConfig, machine, db, metrics, l)
	rpcServer := rpc.NewServer(dispatcher, db, config.RPCConfig, l)
	metrics.Start()
	dispatcher.Start()
	rpcServer.Start()
	// block until a kill signal is received
	waitForKill()
	rpcServer.Stop()
	// in flight rounds are interrupted and resumed on the next start
	dispatcher.Stop()
	if ledger != nil {
		ledger.Stop()
	}
	if err = db.Close(); err != nil {
		l.Error(err.Error())
	}
	metrics.Stop()
	os.Exit(0)
}

// waitForKill() blocks until a kill signal is received
func waitForKill() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGABRT)
	s := <-stop
	l.Infof("Exit command %s received", s)
}

// InitializeDataDirectory() populates the data directory with configuration and genesis files if missing
func InitializeDataDirectory(dataDirPath string, log lib.LoggerI) lib.Config {
	// make the data dir if missing
	if err := os.MkdirAll(dataDirPath, os.ModePerm); err != nil {
		log.Fatal(err.Error())
	}
	// make the config.json file if missing
	configFilePath := filepath.Join(dataDirPath, lib.ConfigFilePath)
	if _, err := os.Stat(configFilePath); errors.Is(err, os.ErrNotExist) {
		log.Infof("Creating %s file", lib.ConfigFilePath)
		if err = lib.DefaultConfig().WriteToFile(configFilePath); err != nil {
			log.Fatal(err.Error())
		}
	}
	// make the validators.json file if missing
	if _, err := os.Stat(filepath.Join(dataDirPath, lib.ValidatorsFilePath)); errors.Is(err, os.ErrNotExist) {
		log.Infof("Creating %s file", lib.ValidatorsFilePath)
		if err = WriteDefaultGenesisFile(dataDirPath, 5); err != nil {
			log.Fatal(err.Error())
		}
	}
	// load the config object
	c, err := lib.NewConfigFromFile(configFilePath)
	if err != nil {
		log.Fatal(err.Error())
	}
	// the environment overrides the file
	if err = c.ApplyEnv(); err != nil {
		log.Fatal(err.Error())
	}
	// set the data-directory
	c.DataDirPath = dataDirPath
	return c
}

// WriteDefaultGenesisFile() writes a development registry of n equally staked validators with fresh identities
func WriteDefaultGenesisFile(dataDirPath string, n int) lib.ErrorI {
	validators := make([]*lib.Validator, 0, n)
	for i := 0; i < n; i++ {
		key, err := crypto.GenerateKey()
		if err != nil {
			return lib.ErrInvalidArgument()
		}
		validators = append(validators, &lib.Validator{
			Address: crypto.PubkeyToAddress(key.PublicKey),
			Stake:   1000000,
			Model:   lib.ModelConfig{Provider: "openai", Model: "gpt-4o"},
		})
	}
	return lib.SaveJSONToFile(validators, dataDirPath, lib.ValidatorsFilePath)
}

// loadGenesisValidators() registers the genesis validators when the registry is empty
func loadGenesisValidators(db lib.StoreI, dataDirPath string) lib.ErrorI {
	registered, err := db.Validators()
	if err != nil || len(registered) != 0 {
		return err
	}
	var validators []*lib.Validator
	if err = lib.NewJSONFromFile(&validators, dataDirPath, lib.ValidatorsFilePath); err != nil {
		return err
	}
	for _, v := range validators {
		if err = db.SetValidator(v); err != nil {
			return err
		}
	}
	l.Infof("Registered %d genesis validator(s)", len(validators))
	return nil
}

func writeToConsole(a any, err error) {
	if err != nil {
		l.Fatal(err.Error())
	}
	switch a.(type) {
	case string, *string:
		fmt.Println(a)
	default:
		s, e := lib.MarshalJSONIndent(a)
		if e != nil {
			l.Fatal(e.Error())
		}
		fmt.Println(string(s))
	}
}

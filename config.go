package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/pc-1827/vmpi/distfs"
	"github.com/pc-1827/vmpi/lifecycle"
	"github.com/pc-1827/vmpi/p2p"
	"github.com/pc-1827/vmpi/vmpi"
)

// Config holds the launcher configuration. A TOML file given with -config
// is read first; flags set on the command line override it.
type Config struct {
	Mode           string        `toml:"mode"` // "master" or "worker"
	ListenAddr     string        `toml:"listen"`
	MasterAddr     string        `toml:"master"`
	MinWorkers     int           `toml:"min_workers"`
	ConnectTimeout time.Duration `toml:"connect_timeout"`
	MachineName    string        `toml:"name"`

	GameDir string `toml:"game_dir"`
	QDir    string `toml:"q_dir"`

	DBHost       string `toml:"db_host"`
	DBName       string `toml:"db_name"`
	DBUser       string `toml:"db_user"`
	JobPrimaryID int    `toml:"job_primary_id"`

	// FileMode is "tcp", "broadcast" or "multicast".
	FileMode       string        `toml:"file_mode"`
	FileRoot       string        `toml:"file_root"`
	Files          []string      `toml:"files"`
	Compress       bool          `toml:"compress"`
	MulticastGroup string        `toml:"multicast_group"`
	Interface      string        `toml:"interface"`
	SendRate       int           `toml:"send_rate"`
	FileTimeout    time.Duration `toml:"file_timeout"`

	CrashDir    string `toml:"crash_dir"`
	AutoRestart bool   `toml:"auto_restart"`
	MaxRestarts int    `toml:"max_restarts"`
	Restarts    int    `toml:"-"`

	Verbosity int    `toml:"verbosity"`
	LogFile   string `toml:"log_file"`
}

func DefaultConfig() Config {
	return Config{
		Mode:           "master",
		ListenAddr:     ":23311",
		ConnectTimeout: vmpi.DefaultConnectTimeout,
		FileMode:       distfs.ModeTCP.String(),
		FileRoot:       ".",
		MulticastGroup: distfs.DefaultMulticastGroup.String(),
		SendRate:       distfs.DefaultSendRate,
		FileTimeout:    distfs.DefaultFileTimeout,
		CrashDir:       "crashes",
		MaxRestarts:    10,
		Verbosity:      1,
	}
}

// stringList is a comma separated flag value.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = nil
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			*l = append(*l, s)
		}
	}
	return nil
}

// ParseConfig parses the command line. Arguments after the flags are files
// for the master to distribute.
func ParseConfig(args []string) (*Config, error) {
	config := DefaultConfig()
	var configPath string

	fs := flag.NewFlagSet("vmpi", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "TOML configuration file")
	fs.StringVar(&config.Mode, "mode", config.Mode, "Role: master or worker")
	fs.StringVar(&config.ListenAddr, "listen", config.ListenAddr, "Address the master accepts workers on")
	fs.StringVar(&config.MasterAddr, "master", config.MasterAddr, "Address of the master (workers)")
	fs.IntVar(&config.MinWorkers, "workers", config.MinWorkers, "Workers the master waits for before starting")
	fs.DurationVar(&config.ConnectTimeout, "connect-timeout", config.ConnectTimeout, "How long to wait for workers or the master")
	fs.StringVar(&config.MachineName, "name", config.MachineName, "Machine name reported to peers (default hostname)")
	fs.StringVar(&config.GameDir, "gamedir", config.GameDir, "Job game directory sent to workers")
	fs.StringVar(&config.QDir, "qdir", config.QDir, "Job working directory sent to workers")
	fs.StringVar(&config.DBHost, "db-host", config.DBHost, "Stats database host")
	fs.StringVar(&config.DBName, "db-name", config.DBName, "Stats database name")
	fs.StringVar(&config.DBUser, "db-user", config.DBUser, "Stats database user")
	fs.IntVar(&config.JobPrimaryID, "job-id", config.JobPrimaryID, "Job primary ID in the stats database")
	fs.StringVar(&config.FileMode, "filemode", config.FileMode, "File distribution: tcp, broadcast or multicast")
	fs.StringVar(&config.FileRoot, "root", config.FileRoot, "Directory distributed file names are relative to")
	fs.Var((*stringList)(&config.Files), "files", "Comma separated files to distribute or open")
	fs.BoolVar(&config.Compress, "compress", config.Compress, "Compress distributed files")
	fs.StringVar(&config.MulticastGroup, "group", config.MulticastGroup, "Multicast group and port")
	fs.StringVar(&config.Interface, "iface", config.Interface, "Local address of the interface that joins the multicast group")
	fs.IntVar(&config.SendRate, "rate", config.SendRate, "Datagrams per second for broadcast/multicast")
	fs.DurationVar(&config.FileTimeout, "file-timeout", config.FileTimeout, "Disconnect workers that have not received a file in this time")
	fs.StringVar(&config.CrashDir, "crash-dir", config.CrashDir, "Where the master saves worker crash dumps")
	fs.BoolVar(&config.AutoRestart, "autorestart", config.AutoRestart, "Restart a worker that loses its master")
	fs.IntVar(&config.MaxRestarts, "max-restarts", config.MaxRestarts, "Give up restarting after this many restarts (0 = never)")
	fs.IntVar(&config.Restarts, strings.TrimPrefix(lifecycle.RestartsFlag, "-"), 0, "Restarts so far (set on respawn)")
	fs.IntVar(&config.Verbosity, "v", config.Verbosity, "Log verbosity (0 quiet, 1 info, 2 debug)")
	fs.StringVar(&config.LogFile, "log", config.LogFile, "Log file (default stderr)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if configPath != "" {
		// remember the flags given explicitly, the file must not override them
		explicit := map[string]string{}
		fs.Visit(func(f *flag.Flag) { explicit[f.Name] = f.Value.String() })

		if err := loadConfigFile(configPath, &config); err != nil {
			return nil, err
		}
		for name, value := range explicit {
			if err := fs.Set(name, value); err != nil {
				return nil, err
			}
		}
	}
	config.Files = append(config.Files, fs.Args()...)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func loadConfigFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := toml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Mode != "master" && c.Mode != "worker" {
		return fmt.Errorf("invalid mode: %s (must be 'master' or 'worker')", c.Mode)
	}
	if _, err := distfs.ParseMode(c.FileMode); err != nil {
		return err
	}
	if c.Mode == "worker" && c.MasterAddr == "" {
		return fmt.Errorf("a worker needs the master's address")
	}
	if c.MinWorkers < 0 {
		return fmt.Errorf("invalid worker count: %d", c.MinWorkers)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive")
	}
	if c.JobPrimaryID < 0 || c.JobPrimaryID > 1<<31-1 {
		return fmt.Errorf("invalid job id: %d", c.JobPrimaryID)
	}
	if c.fileMode() == distfs.ModeMulticast {
		group, err := p2p.ParseAddress(c.MulticastGroup)
		if err != nil {
			return err
		}
		if !group.IsMulticast() {
			return fmt.Errorf("%s is not a multicast group", c.MulticastGroup)
		}
	}
	return nil
}

func (c *Config) fileMode() distfs.Mode {
	m, _ := distfs.ParseMode(c.FileMode)
	return m
}

func (c *Config) logPath() *string {
	if c.LogFile == "" {
		return nil
	}
	return &c.LogFile
}

func (c *Config) sessionOptions() (vmpi.SessionOptions, error) {
	opts := vmpi.DefaultSessionOptions()
	opts.ListenAddress = c.ListenAddr
	opts.MinWorkers = c.MinWorkers
	opts.ConnectTimeout = c.ConnectTimeout
	if c.MachineName != "" {
		opts.MachineName = c.MachineName
	}
	opts.Directories = vmpi.Directories{GameDir: c.GameDir, QDir: c.QDir}
	opts.DBInfo = vmpi.NewDBInfo(c.DBHost, c.DBName, c.DBUser)
	opts.JobPrimaryID = int32(c.JobPrimaryID)

	if c.Mode == "worker" {
		opts.Mode = vmpi.ModeWorker
		addr, err := p2p.ParseAddress(c.MasterAddr)
		if err != nil {
			return opts, err
		}
		opts.MasterAddr = addr
	}
	return opts, nil
}

func (c *Config) distributorOptions() (distfs.DistributorOptions, error) {
	opts := distfs.DistributorOptions{
		Mode:        c.fileMode(),
		Root:        c.FileRoot,
		Compress:    c.Compress,
		FileTimeout: c.FileTimeout,
		SendRate:    c.SendRate,
	}
	if opts.Mode.Datagram() {
		group, err := p2p.ParseAddress(c.MulticastGroup)
		if err != nil {
			return opts, err
		}
		opts.StreamAddr = group
	}
	return opts, nil
}

func (c *Config) receiverOptions() (distfs.ReceiverOptions, error) {
	var opts distfs.ReceiverOptions
	if c.Interface != "" {
		iface, err := p2p.ParseAddress(c.Interface + ":0")
		if err != nil {
			return opts, err
		}
		opts.Interface = iface
	}
	return opts, nil
}

func (c *Config) restartPolicy() lifecycle.RestartPolicy {
	return lifecycle.RestartPolicy{
		AutoRestart: c.AutoRestart,
		MaxRestarts: c.MaxRestarts,
		Restarts:    c.Restarts,
		Args:        os.Args,
	}
}

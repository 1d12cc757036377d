package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
	"syscall"

	"github.com/audiodaq/audiard"
	"github.com/audiodaq/audiard/internal/errcode"
	"github.com/audiodaq/audiard/internal/recorderdb"
	"github.com/audiodaq/audiard/internal/saihw"
	"github.com/audiodaq/audiard/internal/sdcard"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var githash = "githash not computed"
var buildDate = "build date not computed"

// expandHome replaces one instance of "$HOME" in the path with the actual
// home directory.
func expandHome(p string) (string, error) {
	if !strings.Contains(p, "$HOME") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return strings.Replace(p, "$HOME", home, 1), nil
}

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	dir, err := expandHome(dir)
	if err != nil {
		return "", err
	}

	// Create directory <path>, if needed
	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		err2 := os.MkdirAll(dir, 0775)
		if err2 != nil {
			return "", err2
		}
	}

	// Create an empty file path/filename, if it doesn't exist.
	fullname := path.Join(dir, filename)
	_, err = os.Stat(fullname)
	if os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setConfigDefaults registers every config key with its default, so a
// bare config file still yields a fully specified daemon.
func setConfigDefaults() {
	viper.SetDefault("verbose", false)
	viper.SetDefault("mode", "stereo")
	viper.SetDefault("image", "$HOME/.audiard/sd.img") // card image; empty runs in memory
	viper.SetDefault("imagesectors", 131072)           // 512-B sectors when creating a fresh image
	viper.SetDefault("queuecapacity", audiard.DefaultQueueDepth)
	viper.SetDefault("syncstride", 0)
	viper.SetDefault("ports.rpc", 5500)
	viper.SetDefault("ports.status", 5501)
	viper.SetDefault("ports.shell", 5502)
	viper.SetDefault("clickhouse.enabled", false)
	viper.SetDefault("clickhouse.addr", "localhost:9000")
	viper.SetDefault("debugdumpdir", "")
}

// setupViper sets up the viper configuration manager: says where to find config
// files and the filename and suffix. Sets some defaults.
func setupViper() error {
	setConfigDefaults()

	HOME, err := os.UserHomeDir()
	if err != nil {
		fmt.Printf("Error finding User Home Dir: %s\n", err)
	}
	dotAudiard := filepath.Join(HOME, ".audiard")
	const filename string = "audiard"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotAudiard, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath(filepath.FromSlash("/etc/audiard"))
	viper.AddConfigPath(dotAudiard)
	viper.AddConfigPath(".")
	err = viper.ReadInConfig() // Find and read the config file
	if err != nil {            // Handle errors reading the config file
		return fmt.Errorf("error reading config file: %s", err)
	}
	return nil
}

func startLogger(pfname string, echo bool) *log.Logger {
	var w io.Writer = &lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	}
	if echo {
		w = io.MultiWriter(w, os.Stderr)
	}
	return log.New(w, "", log.LstdFlags)
}

// openCard builds the SD host under the whole storage stack. With an
// image path the card contents survive restarts; an existing image keeps
// its own geometry and imagesectors only sizes fresh ones.
func openCard() (sdcard.Host, error) {
	sectors := uint32(viper.GetInt64("imagesectors"))
	image, err := expandHome(viper.GetString("image"))
	if err != nil {
		return nil, err
	}
	if image == "" {
		return sdcard.NewMemHost(sectors), nil
	}
	f, err := os.OpenFile(image, os.O_RDWR|os.O_CREATE, 0664)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() >= sdcard.SectorSize {
		sectors = uint32(fi.Size() / sdcard.SectorSize)
	} else if err := f.Truncate(int64(sectors) * sdcard.SectorSize); err != nil {
		f.Close()
		return nil, err
	}
	return sdcard.NewHost(f, sectors), nil
}

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1) // workaround for Make problems
	audiard.Build.Date = buildDate
	audiard.Build.Githash = githash

	printVersion := flag.Bool("version", false, "print version and quit")
	cpuprofile := flag.String("cpuprofile", "", "write CPU profile to given file")
	memprofile := flag.String("memprofile", "", "write memory profile to given file")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is AUDIARD version %s\n", audiard.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		fmt.Printf("Running on %d CPUs.\n", runtime.NumCPU())
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is AUDIARD version %s (git commit %s)\n", audiard.Build.Version, githash)
	fmt.Print(banner)

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	// Find config file, creating it if needed, and read it.
	if err := setupViper(); err != nil {
		panic(err)
	}
	audiard.Ports.RPC = viper.GetInt("ports.rpc")
	audiard.Ports.Status = viper.GetInt("ports.status")
	audiard.Ports.Shell = viper.GetInt("ports.shell")

	// Start logging problems and updates to 2 log files.
	HOME, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	logdir := filepath.Join(HOME, ".audiard", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		panic(err)
	}
	audiard.ProblemLogger = startLogger(problemname, viper.GetBool("verbose"))
	audiard.UpdateLogger = startLogger(logname, false)
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging client updates to %s\n\n", logname)
	audiard.UpdateLogger.Printf("\n\n\n\n%s", banner)

	mode, err := audiard.ParseMode(viper.GetString("mode"))
	if err != nil {
		panic(err)
	}

	host, err := openCard()
	if err != nil {
		panic(err)
	}
	adapter := sdcard.NewAdapter(host)
	fsman := audiard.NewFSManager(adapter)
	if err := fsman.Mount(); err != nil {
		// Not fatal: the recorder reports sd_not_ready until a reset
		// brings the card back.
		audiard.ProblemLogger.Printf("card mount failed at startup: %v", err)
		fmt.Printf("Card mount failed: %v\n", err)
	} else {
		fmt.Printf("Card mounted, %d MB capacity\n", fsman.CapacityBytes()>>20)
	}

	queue := audiard.NewChunkQueue(viper.GetInt("queuecapacity"))
	source := audiard.NewSAISource(saihw.NewSim(), queue)
	recorder, err := audiard.NewRecorder(source, queue, fsman, audiard.RecorderConfig{
		Mode:       mode,
		MirrorDir:  viper.GetString("debugdumpdir"),
		SyncStride: viper.GetInt("syncstride"),
	})
	if err != nil {
		panic(err)
	}
	if err := recorder.Start(); err != nil {
		panic(err)
	}
	player := audiard.NewPlayer(saihw.NewSim(), fsman)

	abort := make(chan struct{})
	activity := recorderdb.NewActivityMessage(audiard.Build.Version, audiard.Build.Githash)
	dbaddr := "" // empty address leaves the ledger off
	if viper.GetBool("clickhouse.enabled") {
		dbaddr = viper.GetString("clickhouse.addr")
	}
	dbconn := recorderdb.StartConnection(dbaddr, activity, abort)

	messageChan := make(chan audiard.ClientUpdate)
	go audiard.RunClientUpdater(messageChan, audiard.Ports.Status)
	go audiard.RunShellServer(recorder, player, fsman, audiard.Ports.Shell)
	go audiard.RunRPCServer(recorder, player, fsman, messageChan, audiard.Ports.RPC)
	fmt.Printf("RPC on port %d, status on %d, shell on %d\n",
		audiard.Ports.RPC, audiard.Ports.Status, audiard.Ports.Shell)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	sig := <-interrupt
	fmt.Printf("\nCaught %v: shutting down\n", sig)

	recorder.Shutdown()
	if err := player.Stop(); err != nil && !errcode.Is(err, errcode.NotOpen) {
		audiard.ProblemLogger.Printf("stop playback during shutdown: %v", err)
	}
	fsman.Unmount()
	close(abort)
	dbconn.Wait()
	writeMemoryProfile(memprofile)
}

// writeMemoryProfile writes the memory use profile to the indicated file.
// If `memprofile` points to an empty string, do not write.
func writeMemoryProfile(memprofile *string) {
	if *memprofile == "" {
		return
	}

	f, err := os.Create(*memprofile)
	if err != nil {
		log.Fatal("could not create memory profile: ", err)
	}
	defer f.Close()
	runtime.GC() // get up-to-date statistics
	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Fatal("could not write memory profile: ", err)
	}
}

package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caretrack/go-chatclient/internal/client"
	"github.com/caretrack/go-chatclient/internal/config"
	"github.com/caretrack/go-chatclient/internal/greeting"
	"github.com/caretrack/go-chatclient/internal/stats"
	"github.com/gorilla/handlers"
)

var (
	serverURL      string
	localUser      string
	roomId         string
	dataDir        string
	debugAddr      string
	idSuffix       string
	historyTimeout time.Duration
)

func main() {
	flag.StringVar(&serverURL, "server", "ws://localhost:8000/ws", "chat backend websocket URL")
	flag.StringVar(&localUser, "user", "", "local user identifier")
	flag.StringVar(&roomId, "room", "", "room identifier to open")
	flag.StringVar(&dataDir, "data-dir", defaultDataDir(), "directory for client-local state")
	flag.StringVar(&debugAddr, "debug-addr", "", "address for the debug/metrics endpoint (disabled if empty)")
	flag.StringVar(&idSuffix, "id-suffix", "", "environment suffix separator stripped from identifiers")
	flag.DurationVar(&historyTimeout, "history-timeout", 15*time.Second, "deadline for history requests (0 disables)")
	flag.Parse()

	logger := log.New(os.Stderr, "[chatclient] ", log.LstdFlags)

	cfg, err := config.NewConfig(serverURL, localUser, dataDir)
	if err != nil {
		logger.Fatal("config:", err)
	}
	cfg.IDSuffix = idSuffix
	cfg.HistoryTimeout = historyTimeout

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		logger.Fatal("create data dir:", err)
	}

	greetings, err := greeting.Open(cfg.GreetingDBPath(), logger)
	if err != nil {
		logger.Fatal("greeting store:", err)
	}
	defer func() {
		if err := greetings.Close(); err != nil {
			logger.Println("greeting store close:", err)
		}
	}()

	mux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	if debugAddr != "" {
		go func() {
			logger.Println("debug endpoint on", debugAddr)
			if err := http.ListenAndServe(debugAddr, handlers.LoggingHandler(os.Stderr, mux)); err != nil {
				logger.Println("debug server:", err)
			}
		}()
	}

	token := client.NewTokenCache(cfg.TokenPath())
	conn := client.NewWSConnectionManager(cfg.ServerURL, token, logger)

	coordinator := client.NewSessionCoordinator(logger, conn, greetings, statsUpdater, client.Options{
		Normalizer:      cfg.Normalizer(),
		HistoryPageSize: cfg.HistoryPageSize,
		HistoryTimeout:  cfg.HistoryTimeout,
	})
	go coordinator.Run()

	inbox := client.NewInboxReconciler(logger, cfg.Normalizer())
	coordinator.AttachInbox(inbox)
	go inbox.Run()
	defer inbox.Close()

	coordinator.ListenToSystemMessages()
	coordinator.Connect()

	roomUpdates, cancelUpdates := coordinator.SubscribeRoomUpdates()
	defer cancelUpdates()
	go func() {
		for updated := range roomUpdates {
			if summary, ok := inbox.Summary(updated); ok {
				logger.Printf("room %q updated, unread=%d", updated, summary.UnreadCount)
			}
		}
	}()

	if roomId != "" {
		timeline := coordinator.OpenRoom(roomId, localUser)
		defer timeline.Close()
		timeline.FetchMostRecentMessages()

		go printTimeline(timeline)
		go readStdin(timeline)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	logger.Printf("received signal: %s", sig)

	coordinator.Shutdown()
	logger.Println("shutdown complete")
}

func printTimeline(timeline *client.RoomTimeline) {
	for {
		select {
		case snap := <-timeline.Snapshots():
			for _, msg := range snap.Messages {
				ts := time.UnixMilli(msg.Timestamp).Format("15:04:05")
				if msg.System {
					fmt.Printf("[%s] * %s\n", ts, msg.Content)
				} else {
					fmt.Printf("[%s] %s: %s\n", ts, msg.UserId, msg.Content)
				}
			}
			fmt.Print("> ")
		case event := <-timeline.Events():
			fmt.Printf("\r-- %s --\n> ", event)
		}
	}
}

func readStdin(timeline *client.RoomTimeline) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			fmt.Print("> ")
			continue
		}
		if line == "/history" {
			timeline.UpdateMessagesHistory()
			continue
		}
		timeline.SendMessage(line)
		fmt.Print("> ")
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatclient"
	}
	return home + "/.chatclient"
}

package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mentorhub/mentorchat-go/internal/call"
	"github.com/mentorhub/mentorchat-go/internal/client"
	"github.com/mentorhub/mentorchat-go/internal/config"
	"github.com/mentorhub/mentorchat-go/internal/devserver"
	"github.com/mentorhub/mentorchat-go/internal/rest"
	"github.com/mentorhub/mentorchat-go/internal/stats"
	"github.com/mentorhub/mentorchat-go/internal/types"
)

const devSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

var (
	apiURL    string
	wsURL     string
	email     string
	password  string
	statsAddr string
	fromEnv   bool
	devMode   bool
)

func main() {
	flag.StringVar(&apiURL, "api", "http://localhost:8000", "backend REST base url")
	flag.StringVar(&wsURL, "ws", "ws://localhost:8000/ws", "backend websocket url")
	flag.StringVar(&email, "email", "", "account email")
	flag.StringVar(&password, "password", "", "account password")
	flag.StringVar(&statsAddr, "stats-addr", "", "address to serve /debug/vars on (disabled when empty)")
	flag.BoolVar(&fromEnv, "from-env", false, "read configuration from MENTORCHAT_* environment variables")
	flag.BoolVar(&devMode, "dev", false, "run against an in-process stub backend with seeded accounts")
	flag.Parse()

	logger := log.New(os.Stderr, "[mentorchat] ", log.LstdFlags)

	if devMode {
		addr, cleanup, err := startDevServer(logger)
		if err != nil {
			logger.Fatal("dev server:", err)
		}
		defer cleanup()

		apiURL = "http://" + addr
		wsURL = "ws://" + addr + "/ws"
		email = "mentee@example.com"
		password = "password"
	}

	var cfg *config.Config
	var err error
	if fromEnv {
		cfg, err = config.FromEnv()
	} else {
		cfg, err = config.NewConfig(apiURL, wsURL, email, password)
	}
	if err != nil {
		logger.Fatal("config:", err)
	}

	mux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	if statsAddr != "" {
		go func() {
			if err := http.ListenAndServe(statsAddr, mux); err != nil {
				logger.Println("stats server:", err)
			}
		}()
	}

	session, err := client.NewSession(cfg, call.LoopbackMedia{}, call.Hooks{}, logger, statsUpdater)
	if err != nil {
		logger.Fatal("session:", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := session.Start(ctx); err != nil {
		cancel()
		logger.Fatal("start session:", err)
	}
	cancel()
	defer session.Close()

	logger.Printf("logged in as %s", session.User().Username)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		runPrompt(session)
		close(done)
	}()

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s", sig)
	case <-done:
	}

	session.Close()
	logger.Println("shutdown complete")
}

func startDevServer(logger *log.Logger) (string, func(), error) {
	key, err := base64.StdEncoding.DecodeString(devSigningKey)
	if err != nil {
		return "", nil, fmt.Errorf("decode signing key: %w", err)
	}

	ds := devserver.New(logger, key)

	mentee, err := ds.SeedAccount("mentee", "mentee@example.com", "password")
	if err != nil {
		return "", nil, err
	}
	mentor, err := ds.SeedAccount("mentor", "mentor@example.com", "password")
	if err != nil {
		return "", nil, err
	}
	chat := ds.SeedChat(types.ChatTypeGeneral, mentee, mentor)
	logger.Printf("seeded chat %s between %s and %s", chat.Id, mentee.Username, mentor.Username)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, fmt.Errorf("listen: %w", err)
	}

	srv := &http.Server{Handler: ds.Handler()}
	go srv.Serve(listener)

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}

	return listener.Addr().String(), cleanup, nil
}

func runPrompt(session *client.Session) {
	st := session.Store()
	st.LoadChats(rest.ListChatsParams{})

	fmt.Println("commands: chats, select <n>, send <text>, read, more, call <userId>, answer, reject, end, online, quit")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}

		line := strings.TrimSpace(scanner.Text())
		cmd, arg := line, ""
		if i := strings.IndexByte(line, ' '); i > 0 {
			cmd, arg = line[:i], strings.TrimSpace(line[i+1:])
		}

		switch cmd {
		case "quit", "exit":
			return
		case "chats":
			snap := st.Snapshot()
			for i, chat := range snap.Chats {
				last := ""
				if chat.LastMessage != nil {
					last = chat.LastMessage.Content
				}
				fmt.Printf("%d. %s [%s] unread=%d last=%q\n", i+1, chat.Id, chat.Type, chat.UnreadCount, last)
			}
			fmt.Printf("total unread: %d\n", snap.TotalUnread)
		case "select":
			n, err := strconv.Atoi(arg)
			snap := st.Snapshot()
			if err != nil || n < 1 || n > len(snap.Chats) {
				fmt.Println("usage: select <n>")
				continue
			}
			st.SelectChat(snap.Chats[n-1])
		case "send":
			if err := st.SendMessage(arg, ""); err != nil {
				fmt.Println("send:", err)
			}
		case "read":
			st.MarkRead()
		case "more":
			st.LoadMoreMessages()
		case "call":
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			callId, err := session.Calls().Start(ctx, st.Snapshot().ActiveChatId, arg, false)
			cancel()
			if err != nil {
				fmt.Println("call:", err)
				continue
			}
			fmt.Println("calling, id:", callId)
		case "answer":
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := session.Calls().Answer(ctx); err != nil {
				fmt.Println("answer:", err)
			}
			cancel()
		case "reject":
			info := session.Calls().Snapshot()
			session.Calls().Reject(info.CallId, "declined")
		case "end":
			session.Calls().End()
		case "online":
			snap := st.Snapshot()
			fmt.Println("online users:", snap.Online)
		case "":
		default:
			fmt.Println("unknown command:", cmd)
		}
	}
}

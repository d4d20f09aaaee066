// Command inboxcli is a CLI client for an inbox service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/inboxlabs/inboxsync"
	"github.com/inboxlabs/inboxsync/inbox"
	"github.com/inboxlabs/inboxsync/remote"
)

// ---- config/token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "inboxsync")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "inboxsync")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func saveToken(tok string, exp time.Time) error {
	_ = os.MkdirAll(cfgDir(), 0o700)
	f, err := os.Create(tokenPath())
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tokenFile{AccessToken: tok, ExpiresAt: exp})
}

func loadToken() (string, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return "", err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return "", err
	}
	if tf.AccessToken == "" || (!tf.ExpiresAt.IsZero() && time.Now().After(tf.ExpiresAt)) {
		return "", errors.New("no valid token (login required)")
	}
	return tf.AccessToken, nil
}

// ---- utils ----

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func gateway(addr string) (*remote.Client, error) {
	token, err := loadToken()
	if err != nil {
		return nil, err
	}
	return remote.NewClient(addr, remote.NewJWTSource(token)), nil
}

func usage() {
	fmt.Fprintf(os.Stderr, `inboxcli
Usage:
  inboxcli -addr URL <cmd> [args]

Commands:
  version
  login        -token <jwt>                      (saves token)
  logout
  list         [-archive] [-limit n] [-cursor c]
  unread-count
  read         -id <message-id>
  unread       -id <message-id>
  open         -id <message-id>
  click        -id <message-id>
  archive      -id <message-id>
  read-all
  watch        [-limit n] [-v]                   (stream live updates)
`)
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands against the inbox API.
func main() {
	// global flags
	addr := flag.String("addr", "http://localhost:8080", "API root URL")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd := flag.Arg(0)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cmd {

	case "version":
		fmt.Printf("inboxcli %s (%s)\n", version, buildDate)

	case "login":
		fs := flag.NewFlagSet("login", flag.ExitOnError)
		token := fs.String("token", "", "issued access token (JWT)")
		_ = fs.Parse(flag.Args()[1:])
		if *token == "" {
			fmt.Fprintln(os.Stderr, "need -token")
			os.Exit(1)
		}

		// parse exp from the JWT; a token without exp is stored open-ended
		var claims jwt.RegisteredClaims
		var exp time.Time
		if _, _, err := jwt.NewParser().ParseUnverified(*token, &claims); err == nil && claims.ExpiresAt != nil {
			exp = claims.ExpiresAt.Time
		}
		if err := saveToken(*token, exp); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "logout":
		if err := os.Remove(tokenPath()); err != nil && !os.IsNotExist(err) {
			fail(err)
		}
		fmt.Println("ok")

	case "list":
		fs := flag.NewFlagSet("list", flag.ExitOnError)
		archived := fs.Bool("archive", false, "list the archive instead of the feed")
		limit := fs.Int("limit", inboxsync.DefaultPaginationLimit, "page size")
		cursor := fs.String("cursor", "", "pagination cursor")
		_ = fs.Parse(flag.Args()[1:])

		gw, err := gateway(*addr)
		if err != nil {
			fail(err)
		}
		var page inbox.MessagePage
		if *archived {
			page, err = gw.GetArchivedMessages(ctx, *limit, *cursor)
		} else {
			page, err = gw.GetMessages(ctx, *limit, *cursor)
		}
		if err != nil {
			fail(err)
		}

		type row struct{ ID, Title, Created, Read string }
		rows := []row{}
		for _, m := range page.Messages {
			r := row{ID: m.ID, Title: m.Title, Created: m.CreatedAt.UTC().Format(time.RFC3339)}
			if m.IsRead() {
				r.Read = m.Read.UTC().Format(time.RFC3339)
			}
			rows = append(rows, r)
		}
		printJSON(rows)
		if page.HasNextPage {
			fmt.Fprintf(os.Stderr, "next cursor: %s\n", page.NextCursor)
		}

	case "unread-count":
		gw, err := gateway(*addr)
		if err != nil {
			fail(err)
		}
		n, err := gw.GetUnreadCount(ctx)
		if err != nil {
			fail(err)
		}
		fmt.Println(n)

	case "read", "unread", "open", "click", "archive":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		id := fs.String("id", "", "message id")
		_ = fs.Parse(flag.Args()[1:])
		if *id == "" {
			fmt.Fprintln(os.Stderr, "need -id")
			os.Exit(1)
		}

		gw, err := gateway(*addr)
		if err != nil {
			fail(err)
		}
		switch cmd {
		case "read":
			err = gw.MarkRead(ctx, *id)
		case "unread":
			err = gw.MarkUnread(ctx, *id)
		case "open":
			err = gw.MarkOpened(ctx, *id)
		case "click":
			err = gw.MarkClicked(ctx, *id, "")
		case "archive":
			err = gw.MarkArchived(ctx, *id)
		}
		if err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "read-all":
		gw, err := gateway(*addr)
		if err != nil {
			fail(err)
		}
		if err := gw.MarkAllRead(ctx); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "watch":
		fs := flag.NewFlagSet("watch", flag.ExitOnError)
		limit := fs.Int("limit", inboxsync.DefaultPaginationLimit, "page size")
		verbose := fs.Bool("v", false, "debug logging")
		_ = fs.Parse(flag.Args()[1:])
		cmdWatch(*addr, *limit, *verbose)

	default:
		usage()
	}
}

// cmdWatch runs the full sync engine and prints every state change until
// interrupted.
func cmdWatch(addr string, limit int, verbose bool) {
	token, err := loadToken()
	if err != nil {
		fail(err)
	}

	log := zap.NewNop()
	if verbose {
		log, err = zap.NewDevelopment()
		if err != nil {
			fail(err)
		}
	}
	tokens := remote.NewJWTSource(token)
	engine := inboxsync.NewClient(
		remote.NewClient(addr, tokens),
		remote.NewStreamChannel(addr, tokens, remote.WithChannelLogger(log)),
		inboxsync.WithLogger(log),
		inboxsync.WithPaginationLimit(limit),
	)
	defer engine.Close()

	engine.OnSignIn()
	engine.AddListener(&printListener{})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	fmt.Fprintln(os.Stderr, "bye")
}

type printListener struct{}

func (printListener) OnLoading(isRefresh bool) {
	fmt.Printf("loading refresh=%t\n", isRefresh)
}

func (printListener) OnError(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
}

func (printListener) OnUnreadCountChanged(count int) {
	fmt.Printf("unread=%d\n", count)
}

func (printListener) OnTotalCountChanged(feed inbox.Feed, total int) {
	fmt.Printf("%s total=%d\n", feed, total)
}

func (printListener) OnMessagesChanged(feed inbox.Feed, messages []inbox.Message) {
	ids := make([]string, 0, len(messages))
	for _, m := range messages {
		ids = append(ids, m.ID)
	}
	fmt.Printf("%s [%s]\n", feed, strings.Join(ids, " "))
}

func (printListener) OnMessageEvent(msg inbox.Message, index int, feed inbox.Feed, event inbox.EventType) {
	fmt.Printf("%s %s at %s[%d]\n", event, msg.ID, feed, index)
}

// ---- helpers ----

func fail(err error) {
	if errors.Is(err, inbox.ErrNotAuthenticated) {
		fmt.Fprintln(os.Stderr, "not authenticated (run: inboxcli login -token ...)")
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/valsssa/TutorHub-sub003/internal/configuration"
	"github.com/valsssa/TutorHub-sub003/internal/gatewaytest"
	"github.com/valsssa/TutorHub-sub003/internal/model"
	"github.com/valsssa/TutorHub-sub003/internal/session"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	local := flag.Bool("local", false, "run against an embedded in-memory gateway")
	flag.Parse()

	cfg, err := configuration.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *local {
		gw := startLocalGateway(cfg)
		defer gw.Close()
	}

	container, err := configuration.BuildContainer(cfg)
	if err != nil {
		log.Fatalf("Failed to build container: %v", err)
	}
	defer container.Close()

	sess := container.Session
	sess.Start()
	go consumeUpdates(sess)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	inputDone := make(chan struct{})
	go func() {
		defer close(inputDone)
		repl(sess)
	}()

	select {
	case <-quit:
		fmt.Println("\nshutting down")
	case <-inputDone:
	}
}

// startLocalGateway boots the in-memory gateway with demo users and a bit of
// history, then points the config at it.
func startLocalGateway(cfg *configuration.Config) *gatewaytest.Server {
	gw := gatewaytest.NewServer("local-dev-secret", zap.NewNop())

	gw.SeedUser(model.User{ID: "u-alex", Name: "Alex Kim", Role: "student"})
	gw.SeedUser(model.User{ID: "u-maria", Name: "Maria Ortiz", Role: "tutor"})
	gw.SeedUser(model.User{ID: "u-james", Name: "James Lee", Role: "tutor"})

	gw.SeedMessage("u-maria", "u-alex", "", "Hi Alex! Ready for Thursday's session?")
	gw.SeedMessage("u-alex", "u-maria", "", "Almost, finishing the problem set now.")
	gw.SeedMessage("u-maria", "u-alex", "", "Great, bring your questions.")
	gw.SeedMessage("u-james", "u-alex", "bk-2031", "Confirming our algebra booking for Friday.")

	base := gw.Start()
	token, err := gw.Token("u-alex")
	if err != nil {
		log.Fatalf("Failed to mint local token: %v", err)
	}

	cfg.Gateway.BaseURL = base
	cfg.Gateway.SocketURL = gw.SocketURL()
	cfg.Gateway.Token = token

	fmt.Printf("local gateway at %s (signed in as Alex Kim)\n", base)
	return gw
}

func repl(sess *session.Coordinator) {
	printHelp()
	sc := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !sc.Scan() {
			return
		}
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return
		case line == "/help":
			printHelp()
		case line == "/threads":
			printThreads(sess.Threads())
		case strings.HasPrefix(line, "/search "):
			printThreads(sess.SearchThreads(strings.TrimPrefix(line, "/search ")))
		case strings.HasPrefix(line, "/open "):
			openThread(sess, strings.Fields(strings.TrimPrefix(line, "/open ")))
		case line == "/read":
			sess.MarkThreadRead()
		case line == "/typing":
			sess.NotifyTyping()
		case line == "/retry":
			retryLastFailed(sess)
		case line == "/reconnect":
			sess.Reconnect()
			fmt.Println("reconnecting")
		case strings.HasPrefix(line, "/"):
			fmt.Println("unknown command; /help lists them")
		default:
			sess.SendMessage(line)
		}
	}
}

func printHelp() {
	fmt.Println(`commands:
  /threads              list conversations
  /search <text>        filter conversations by tutor name
  /open <id> [booking]  open a conversation
  /read                 mark the open conversation read
  /typing               tell the counterpart you are typing
  /retry                resend the last failed message
  /reconnect            force the live channel to redial
  /quit                 exit
anything else is sent as a message to the open conversation`)
}

func openThread(sess *session.Coordinator, args []string) {
	if len(args) == 0 {
		fmt.Println("usage: /open <userId> [bookingId]")
		return
	}
	counterpart := model.User{ID: args[0], Name: args[0]}
	for _, t := range sess.Threads() {
		if t.CounterpartID == args[0] {
			counterpart.Name = t.CounterpartName
			counterpart.Role = t.CounterpartRole
			break
		}
	}
	bookingID := ""
	if len(args) > 1 {
		bookingID = args[1]
	}
	sess.OpenConversation(counterpart, bookingID)
}

func retryLastFailed(sess *session.Coordinator) {
	msgs := sess.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Status == model.StatusFailed {
			sess.RetryMessage(msgs[i].CorrelationID)
			return
		}
	}
	fmt.Println("nothing to retry")
}

func consumeUpdates(sess *session.Coordinator) {
	for u := range sess.Updates() {
		switch u.Kind {
		case session.UpdateConnection:
			fmt.Printf("\n[connection] %s\n> ", u.Connection)
		case session.UpdateMessages:
			printMessages(sess)
		case session.UpdateTyping:
			if ids := sess.TypingUsers(); len(ids) > 0 {
				fmt.Printf("\n[typing] %s\n> ", strings.Join(ids, ", "))
			}
		case session.UpdateSendFailed:
			fmt.Printf("\n[send failed] %v (use /retry)\n> ", u.Err)
		case session.UpdateNotice:
			fmt.Printf("\n[notice] %v\n> ", u.Err)
		}
	}
}

func printThreads(threads []model.Thread) {
	if len(threads) == 0 {
		fmt.Println("no conversations yet")
		return
	}
	for _, t := range threads {
		line := fmt.Sprintf("%s [%s]", t.CounterpartName, t.CounterpartID)
		if t.BookingID != "" {
			line += " booking:" + t.BookingID
		}
		if t.UnreadCount > 0 {
			line += fmt.Sprintf(" (%d unread)", t.UnreadCount)
		}
		if t.Pending {
			line += " (new)"
		}
		if t.LastBody != "" {
			line += " | " + t.LastBody
		}
		fmt.Println("  " + line)
	}
}

func printMessages(sess *session.Coordinator) {
	msgs := sess.Messages()
	self := sess.Self()
	fmt.Println()
	if len(msgs) == 0 {
		fmt.Println("(no messages yet)")
	}
	for _, m := range msgs {
		who := m.SenderID
		if m.SenderID == self.ID {
			who = "me"
		}
		mark := ""
		switch m.Status {
		case model.StatusPending:
			mark = " (sending)"
		case model.StatusFailed:
			mark = " (failed, /retry)"
		}
		fmt.Printf("%s %s: %s%s\n", m.CreatedAt.Local().Format("15:04"), who, m.Body, mark)
	}
	fmt.Print("> ")
}

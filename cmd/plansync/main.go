package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/msageha/plansync/internal/coordinator"
	"github.com/msageha/plansync/internal/events"
	"github.com/msageha/plansync/internal/model"
	"github.com/msageha/plansync/internal/session"
	"github.com/msageha/plansync/internal/store"
	"github.com/msageha/plansync/internal/watch"
)

const version = "1.0.0"

const sessionDirName = ".plansync"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "setup":
		runSetup(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "task":
		runTask(os.Args[2:])
	case "alert":
		runAlert(os.Args[2:])
	case "lock":
		runLock(os.Args[2:])
	case "history":
		runHistory(os.Args[2:])
	case "watch":
		runWatch(os.Args[2:])
	case "version":
		fmt.Printf("plansync %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`plansync — file-coordinated shared task plan

usage: plansync <command> [options]

commands:
  setup [dir] [--name <project>]   initialize a session directory
  status [--json]                  show next action, queue, signals, tasks
  task add --title <t> [--type <ty>] [--depends-on <ids>]
  task update --id <n> [--status <s>] [--title <t>] [--commit <sha>]
  alert open --id <id> [--type <ty>] [--blocking] [--message <m>]
  alert close --id <id>
  lock clear --confirm             force-clear a presumed-dead holder
  history list                     list kept plan snapshots
  history restore --handle <h>     roll the plan back to a snapshot
  watch                            observe the session and log changes
  version                          print version`)
}

func runSetup(args []string) {
	dir := "."
	name := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--name":
			i++
			if i >= len(args) {
				fatalf("--name requires a value")
			}
			name = args[i]
		default:
			dir = args[i]
		}
	}

	sess, err := session.Init(filepath.Join(dir, sessionDirName), name)
	if err != nil {
		fatalf("setup: %v", err)
	}
	fmt.Printf("Initialized %s\n", sess.Dir)
}

func runStatus(args []string) {
	jsonOutput := false
	requester := model.DefaultRequester()
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--json":
			jsonOutput = true
		case "--requester":
			i++
			if i >= len(args) {
				fatalf("--requester requires a value")
			}
			requester = args[i]
		default:
			fatalf("unknown flag: %s", args[i])
		}
	}

	sess, coord := mustSession()
	status, err := coord.Status(sess, requester)
	if err != nil {
		fatalf("status: %v", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(status); err != nil {
			fatalf("encode status: %v", err)
		}
		return
	}

	fmt.Printf("now: %s\n", status.Now.Reason())
	fmt.Printf("version: %d\n", status.Version)
	if status.Lock != nil {
		staleNote := ""
		if status.StaleLock {
			staleNote = " (stale)"
		}
		fmt.Printf("lock: held by %s for %s%s\n", status.Lock.Holder, status.Lock.Operation, staleNote)
	}
	for _, qp := range status.LockQueue {
		fmt.Printf("queue[%d]: %s\n", qp.Position, qp.Requester)
	}
	for _, sig := range status.Signals {
		if sig.Status == model.SignalOpen {
			fmt.Printf("signal: %s (%s, blocking=%t)\n", sig.ID, sig.Type, sig.Blocking)
		}
	}
	for _, t := range status.Tasks {
		fmt.Printf("task %d [%s] %s\n", t.ID, t.Status, t.Title)
	}
}

func runTask(args []string) {
	if len(args) < 1 {
		fatalf("usage: plansync task <add|update> [options]")
	}
	switch args[0] {
	case "add":
		runTaskAdd(args[1:])
	case "update":
		runTaskUpdate(args[1:])
	default:
		fatalf("unknown task subcommand: %s", args[0])
	}
}

func runTaskAdd(args []string) {
	var title, taskType, dependsOn string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--title":
			i, title = nextArg(args, i, "--title")
		case "--type":
			i, taskType = nextArg(args, i, "--type")
		case "--depends-on":
			i, dependsOn = nextArg(args, i, "--depends-on")
		default:
			fatalf("unknown flag: %s", args[i])
		}
	}
	if title == "" {
		fatalf("task add requires --title")
	}

	deps, err := parseIDList(dependsOn)
	if err != nil {
		fatalf("parse --depends-on: %v", err)
	}

	sess, coord := mustSession()
	saved, err := coord.Mutate(context.Background(), sess, model.DefaultRequester(),
		coordinator.AddTask{Title: title, Type: taskType, DependsOn: deps},
		coordinator.AnyVersion)
	if err != nil {
		fatalMutation("task add", err)
	}
	fmt.Printf("added task %d (plan version %d)\n", saved.NextTaskID-1, saved.Version)
}

func runTaskUpdate(args []string) {
	var id int
	m := coordinator.UpdateTask{}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--id":
			var v string
			i, v = nextArg(args, i, "--id")
			parsed, err := strconv.Atoi(v)
			if err != nil {
				fatalf("parse --id: %v", err)
			}
			id = parsed
		case "--status":
			var v string
			i, v = nextArg(args, i, "--status")
			status := model.TaskStatus(v)
			m.Status = &status
		case "--title":
			var v string
			i, v = nextArg(args, i, "--title")
			m.Title = &v
		case "--commit":
			var v string
			i, v = nextArg(args, i, "--commit")
			m.Commit = &v
		default:
			fatalf("unknown flag: %s", args[i])
		}
	}
	if id == 0 {
		fatalf("task update requires --id")
	}
	m.ID = id

	sess, coord := mustSession()
	saved, err := coord.Mutate(context.Background(), sess, model.DefaultRequester(), m, coordinator.AnyVersion)
	if err != nil {
		fatalMutation("task update", err)
	}
	fmt.Printf("updated task %d (plan version %d)\n", id, saved.Version)
}

func runAlert(args []string) {
	if len(args) < 1 {
		fatalf("usage: plansync alert <open|close> [options]")
	}
	switch args[0] {
	case "open":
		runAlertOpen(args[1:])
	case "close":
		runAlertClose(args[1:])
	default:
		fatalf("unknown alert subcommand: %s", args[0])
	}
}

func runAlertOpen(args []string) {
	sig := model.Signal{Type: model.SignalTypeOther}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--id":
			var v string
			i, v = nextArg(args, i, "--id")
			sig.ID = v
		case "--type":
			var v string
			i, v = nextArg(args, i, "--type")
			sig.Type = model.SignalType(v)
		case "--message":
			var v string
			i, v = nextArg(args, i, "--message")
			sig.Message = v
		case "--blocking":
			sig.Blocking = true
		default:
			fatalf("unknown flag: %s", args[i])
		}
	}
	if sig.ID == "" {
		fatalf("alert open requires --id")
	}

	sess, coord := mustSession()
	saved, err := coord.AlertOpen(context.Background(), sess, model.DefaultRequester(), sig)
	if err != nil {
		fatalMutation("alert open", err)
	}
	fmt.Printf("opened signal %s (plan version %d)\n", sig.ID, saved.Version)
}

func runAlertClose(args []string) {
	id := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--id":
			i, id = nextArg(args, i, "--id")
		default:
			fatalf("unknown flag: %s", args[i])
		}
	}
	if id == "" {
		fatalf("alert close requires --id")
	}

	sess, coord := mustSession()
	saved, err := coord.AlertClose(context.Background(), sess, model.DefaultRequester(), id)
	if err != nil {
		fatalf("alert close: %v", err)
	}
	fmt.Printf("closed signal %s (plan version %d)\n", id, saved.Version)
}

func runLock(args []string) {
	if len(args) < 1 || args[0] != "clear" {
		fatalf("usage: plansync lock clear --confirm")
	}
	confirm := false
	for _, a := range args[1:] {
		if a == "--confirm" {
			confirm = true
		} else {
			fatalf("unknown flag: %s", a)
		}
	}

	sess, coord := mustSession()
	if err := coord.ForceClearLock(sess, confirm); err != nil {
		fatalf("lock clear: %v", err)
	}
	fmt.Println("lock cleared")
}

func runHistory(args []string) {
	if len(args) < 1 {
		fatalf("usage: plansync history <list|restore> [options]")
	}
	switch args[0] {
	case "list":
		sess, coord := mustSession()
		handles, err := coord.SnapshotHandles(sess)
		if err != nil {
			fatalf("history list: %v", err)
		}
		for _, h := range handles {
			fmt.Println(h)
		}
	case "restore":
		handle := ""
		for i := 1; i < len(args); i++ {
			switch args[i] {
			case "--handle":
				i, handle = nextArg(args, i, "--handle")
			default:
				fatalf("unknown flag: %s", args[i])
			}
		}
		if handle == "" {
			fatalf("history restore requires --handle")
		}

		sess, coord := mustSession()
		saved, err := coord.RestoreSnapshot(context.Background(), sess, model.DefaultRequester(), handle)
		if err != nil {
			fatalMutation("history restore", err)
		}
		fmt.Printf("restored snapshot %s (plan version %d)\n", handle, saved.Version)
	default:
		fatalf("unknown history subcommand: %s", args[0])
	}
}

func runWatch(args []string) {
	for _, a := range args {
		fatalf("unknown flag: %s", a)
	}

	sess, coord := mustSession()
	cfg, err := sess.LoadConfig()
	if err != nil {
		fatalf("load config: %v", err)
	}

	w := watch.New(sess, coord, model.DefaultRequester(), os.Stderr,
		watch.ParseLogLevel(cfg.Logging.Level))
	if err := w.Run(context.Background()); err != nil && err != context.Canceled {
		fatalf("watch: %v", err)
	}
}

// findSessionDir walks up from the working directory looking for the
// session directory.
func findSessionDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, sessionDirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func mustSession() (session.Session, *coordinator.Coordinator) {
	dir := findSessionDir()
	if dir == "" {
		fatalf("error: %s/ directory not found. Run 'plansync setup' first.", sessionDirName)
	}
	sess := session.New(dir)

	cfg, err := sess.LoadConfig()
	if err != nil {
		fatalf("load config: %v", err)
	}

	var opts []coordinator.Option
	if audit, err := events.NewAuditLogger(sess.AuditLogPath(), 0); err == nil {
		opts = append(opts, coordinator.WithAuditLogger(audit))
	}
	return sess, coordinator.New(cfg, opts...)
}

func nextArg(args []string, i int, flag string) (int, string) {
	i++
	if i >= len(args) {
		fatalf("%s requires a value", flag)
	}
	return i, args[i]
}

func parseIDList(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ids := make([]int, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid task id %q", p)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// fatalMutation prints validation failures one field per line before
// exiting; other errors fall through to the plain fatalf path.
func fatalMutation(op string, err error) {
	var verrs *store.ValidationErrors
	if errors.As(err, &verrs) {
		fmt.Fprintf(os.Stderr, "%s failed:\n%s", op, verrs.FormatStderr())
		os.Exit(1)
	}
	fatalf("%s: %v", op, err)
}

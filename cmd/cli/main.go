// Command pc is a CLI client for the PaperClip cloud save API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	u "github.com/gofrs/uuid/v5"
)

// ---- config/token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	PlayerUID   string    `json:"player_uid"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "paperclip")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "paperclip")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }
func etagPath() string  { return filepath.Join(cfgDir(), "etags.json") }

func writeJSONFile(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

func saveToken(tf tokenFile) error { return writeJSONFile(tokenPath(), tf) }

func loadToken() (string, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return "", errors.New("no token (login required)")
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return "", err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return "", errors.New("no valid token (login required)")
	}
	return tf.AccessToken, nil
}

// etags remembers the last entity tag seen per save so that a plain push
// becomes a conditional update.
func loadETags() map[string]string {
	m := map[string]string{}
	if b, err := os.ReadFile(etagPath()); err == nil {
		_ = json.Unmarshal(b, &m)
	}
	return m
}

func rememberETag(id, tag string) error {
	m := loadETags()
	if tag == "" {
		delete(m, id)
	} else {
		m[id] = tag
	}
	return writeJSONFile(etagPath(), m)
}

// ---- utils ----

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func autoUUID(id *string) {
	if *id == "" {
		v, _ := u.NewV4()
		*id = v.String()
	}
}

const usageText = `pc CLI
Usage:
  pc [-addr URL] [-timeout D] <cmd> [args]

Commands:
  version
  login   -provider <name> -id <provider user id>   (saves token)
  login   -player <legacy player id>
  push    [-id <save id>] -file <json|-> [-create | -etag <tag>]
  pull    -id <save id> [-out <file>]
  status  -id <save id>
  list    -player <player id>
  rm      -id <save id>
`

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run dispatches one subcommand and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	gfs := flag.NewFlagSet("pc", flag.ContinueOnError)
	gfs.SetOutput(stderr)
	addr := gfs.String("addr", envOr("PAPERCLIP_URL", "http://localhost:8080"), "server base URL")
	timeout := gfs.Duration("timeout", 30*time.Second, "request timeout")
	gfs.Usage = func() { fmt.Fprint(stderr, usageText) }
	if err := gfs.Parse(args); err != nil {
		return 2
	}
	if gfs.NArg() < 1 {
		gfs.Usage()
		return 2
	}
	cmd, rest := gfs.Arg(0), gfs.Args()[1:]

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var err error
	switch cmd {
	case "version":
		fmt.Fprintf(stdout, "pc %s (%s)\n", version, buildDate)
	case "login":
		err = cmdLogin(ctx, newClient(*addr, "", *timeout), rest, stdout)
	case "push", "pull", "status", "list", "rm":
		var tok string
		if tok, err = loadToken(); err == nil {
			err = cmdSaves(ctx, newClient(*addr, tok, *timeout), cmd, rest, stdout)
		}
	default:
		gfs.Usage()
		return 2
	}
	if err != nil {
		var ue usageError
		if errors.As(err, &ue) {
			fmt.Fprintln(stderr, ue)
			return 2
		}
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

type usageError string

func (e usageError) Error() string { return string(e) }

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func cmdLogin(ctx context.Context, c *client, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	provider := fs.String("provider", "", "identity provider")
	id := fs.String("id", "", "provider user id")
	player := fs.String("player", "", "legacy player id")
	if err := fs.Parse(args); err != nil {
		return usageError(err.Error())
	}
	if *id == "" && *player == "" {
		return usageError("need -provider and -id, or -player")
	}

	res, err := c.login(ctx, *provider, *id, *player)
	if err != nil {
		return err
	}
	if err := saveToken(tokenFile{AccessToken: res.AccessToken, ExpiresAt: res.ExpiresAt, PlayerUID: res.PlayerUID}); err != nil {
		return err
	}
	fmt.Fprintln(stdout, res.PlayerUID)
	return nil
}

func cmdSaves(ctx context.Context, c *client, cmd string, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	id := fs.String("id", "", "save id")
	file := fs.String("file", "", "request body ('-'=stdin)")
	create := fs.Bool("create", false, "fail if the save exists")
	etag := fs.String("etag", "", "expected entity tag")
	out := fs.String("out", "", "write the pulled document here")
	player := fs.String("player", "", "player id")
	if err := fs.Parse(args); err != nil {
		return usageError(err.Error())
	}

	switch cmd {
	case "push":
		if *file == "" {
			return usageError("need -file")
		}
		if *create && *etag != "" {
			return usageError("-create and -etag are exclusive")
		}
		autoUUID(id)
		body, err := readAll(*file)
		if err != nil {
			return err
		}
		pre := precondition{create: *create, etag: *etag}
		if !pre.create && pre.etag == "" {
			pre.etag = loadETags()[*id]
		}
		res, tag, err := c.push(ctx, *id, body, pre)
		if err != nil {
			return err
		}
		if err := rememberETag(*id, tag); err != nil {
			return err
		}
		printJSON(stdout, res)

	case "pull":
		if *id == "" {
			return usageError("need -id")
		}
		doc, tag, err := c.pull(ctx, *id)
		if err != nil {
			return err
		}
		if err := rememberETag(*id, tag); err != nil {
			return err
		}
		if *out != "" {
			return os.WriteFile(*out, doc, 0o600)
		}
		printJSON(stdout, doc)

	case "status":
		if *id == "" {
			return usageError("need -id")
		}
		st, err := c.status(ctx, *id)
		if err != nil {
			return err
		}
		printJSON(stdout, st)

	case "list":
		if *player == "" {
			return usageError("need -player")
		}
		items, err := c.list(ctx, *player)
		if err != nil {
			return err
		}
		printJSON(stdout, items)

	case "rm":
		if *id == "" {
			return usageError("need -id")
		}
		if err := c.remove(ctx, *id); err != nil {
			return err
		}
		if err := rememberETag(*id, ""); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "ok")
	}
	return nil
}

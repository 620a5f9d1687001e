package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/term"

	apiclient "github.com/splax/hoster/pkg/api/client"
)

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
}

const defaultAPIBaseURL = "http://localhost:8000"

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = commandLogin(args)
	case "repos":
		err = commandRepos(args)
	case "classify":
		err = commandClassify(args)
	case "build":
		err = commandBuild(args)
	case "builds":
		err = commandBuilds(args)
	case "run":
		err = commandRun(args)
	case "backend":
		err = commandBackend(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		var apiErr apiclient.APIError
		if errors.As(err, &apiErr) {
			for _, line := range apiErr.Logs {
				fmt.Fprintln(os.Stderr, line)
			}
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	token := fs.String("token", "", "GitHub token (supply to avoid prompt)")
	apiBase := fs.String("api", "", "API base URL (default "+defaultAPIBaseURL+")")
	fs.Parse(args)

	secret := strings.TrimSpace(*token)
	if secret == "" {
		secret = strings.TrimSpace(os.Getenv("GITHUB_TOKEN"))
	}
	if secret == "" {
		fmt.Print("GitHub token: ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		secret = strings.TrimSpace(string(bytes))
	}
	if secret == "" {
		return errors.New("a GitHub token is required")
	}

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = *apiBase
	}

	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	sess, err := client.Login(ctx, secret)
	if err != nil {
		return err
	}
	cfg.AccessToken = sess.Token
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Printf("logged in as %s\n", sess.Login)
	return nil
}

// session loads saved credentials and a client for the configured API.
func session() (*apiclient.Client, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		return nil, "", errors.New("please login first using 'hosterctl login'")
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return nil, "", err
	}
	return client, token, nil
}

// project parses an owner/repo argument.
func project(fs *flag.FlagSet) (string, string, error) {
	if fs.NArg() != 1 {
		return "", "", errors.New("expected one owner/repo argument")
	}
	owner, repo, ok := strings.Cut(fs.Arg(0), "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", fmt.Errorf("invalid project %q, expected owner/repo", fs.Arg(0))
	}
	return owner, repo, nil
}

func commandRepos(args []string) error {
	fs := flag.NewFlagSet("repos", flag.ExitOnError)
	noClassify := fs.Bool("no-classify", false, "Skip project classification")
	fs.Parse(args)

	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	repos, err := client.ListRepos(ctx, token, !*noClassify)
	if err != nil {
		return err
	}
	for _, r := range repos {
		kind, profile := "-", "-"
		if r.Classification != nil {
			kind, profile = r.Classification.Kind, r.Classification.FrameworkProfile
		}
		fmt.Printf("%s\t%s\t%s\n", r.FullName, kind, profile)
	}
	return nil
}

func commandClassify(args []string) error {
	fs := flag.NewFlagSet("classify", flag.ExitOnError)
	kind := fs.String("kind", "", "Restrict to frontend or backend")
	fs.Parse(args)
	owner, repo, err := project(fs)
	if err != nil {
		return err
	}

	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	res, err := client.Classify(ctx, token, owner, repo, *kind)
	if err != nil {
		return err
	}
	path := res.Classification.ProjectPath
	if path == "" {
		path = "."
	}
	fmt.Printf("kind: %s\nprofile: %s\npath: %s\n", res.Classification.Kind, res.Classification.FrameworkProfile, path)
	for _, d := range res.Diagnostics {
		fmt.Printf("warning: %s\n", d)
	}
	return nil
}

func commandBuild(args []string) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	quiet := fs.Bool("quiet", false, "Do not print build logs")
	fs.Parse(args)
	owner, repo, err := project(fs)
	if err != nil {
		return err
	}

	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	res, err := client.Build(ctx, token, owner, repo)
	if err != nil {
		return err
	}
	if !*quiet {
		for _, line := range res.Logs {
			fmt.Println(line)
		}
	}
	for _, w := range res.Warnings {
		fmt.Printf("warning: %s\n", w)
	}
	if res.Publish != nil {
		fmt.Printf("published %d files: %s\n", res.Publish.Uploaded, res.Publish.WebsiteURL)
	}
	if res.LocalPath != "" {
		fmt.Printf("local copy: %s\n", res.LocalPath)
	}
	return nil
}

func commandBuilds(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: hosterctl builds [list|delete]")
	}
	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	switch args[0] {
	case "list":
		builds, err := client.ListBuilds(ctx, token)
		if err != nil {
			return err
		}
		for _, b := range builds {
			fmt.Printf("%s/%s\t%d files\t%s\t%s\n", b.Owner, b.Repo, b.FileCount, b.Location, b.WebsiteURL)
		}
		return nil
	case "delete":
		fs := flag.NewFlagSet("builds delete", flag.ExitOnError)
		fs.Parse(args[1:])
		owner, repo, err := project(fs)
		if err != nil {
			return err
		}
		deleted, err := client.DeleteBuild(ctx, token, owner, repo)
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d objects\n", deleted)
		return nil
	default:
		return fmt.Errorf("unknown builds command: %s", args[0])
	}
}

func commandRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	fs.Parse(args)
	owner, repo, err := project(fs)
	if err != nil {
		return err
	}
	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	inst, err := client.StartBackend(ctx, token, owner, repo)
	if err != nil {
		return err
	}
	fmt.Printf("%s/%s running (%s) at %s\n", inst.Owner, inst.Repo, inst.FrameworkProfile, inst.LocalURL)
	return nil
}

func commandBackend(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: hosterctl backend [list|status|logs|stop]")
	}
	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	sub := args[0]
	if sub == "list" {
		instances, err := client.ListBackends(ctx, token)
		if err != nil {
			return err
		}
		for _, inst := range instances {
			fmt.Printf("%s/%s\t%s\t%s\t%s\n", inst.Owner, inst.Repo, inst.Status, inst.LocalURL, inst.StartedAt.Format(time.RFC3339))
		}
		return nil
	}

	fs := flag.NewFlagSet("backend "+sub, flag.ExitOnError)
	fs.Parse(args[1:])
	owner, repo, err := project(fs)
	if err != nil {
		return err
	}
	switch sub {
	case "status":
		inst, err := client.BackendStatus(ctx, token, owner, repo)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\t%s\n", inst.Status, inst.LocalURL, inst.ContainerID)
	case "logs":
		lines, err := client.BackendLogs(ctx, token, owner, repo)
		if err != nil {
			return err
		}
		for _, line := range lines {
			fmt.Println(line)
		}
	case "stop":
		if err := client.StopBackend(ctx, token, owner, repo); err != nil {
			return err
		}
		fmt.Println("backend stopped")
	default:
		return fmt.Errorf("unknown backend command: %s", sub)
	}
	return nil
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: defaultAPIBaseURL}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBaseURL
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "hoster", "config.json"), nil
}

func printUsage() {
	fmt.Printf("hosterctl %s\n\n", buildVersion)
	fmt.Print(`Usage:
	hosterctl login [--token ghp_...] [--api http://localhost:8000]
	hosterctl repos [--no-classify]
	hosterctl classify [--kind frontend|backend] <owner/repo>
	hosterctl build [--quiet] <owner/repo>
	hosterctl builds list
	hosterctl builds delete <owner/repo>
	hosterctl run <owner/repo>
	hosterctl backend list
	hosterctl backend status|logs|stop <owner/repo>
	hosterctl version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}

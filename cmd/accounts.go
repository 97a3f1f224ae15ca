package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/gravitygw/gravity-gateway/internal/config"
	"github.com/gravitygw/gravity-gateway/internal/pool"
	"github.com/gravitygw/gravity-gateway/internal/store"
	"github.com/gravitygw/gravity-gateway/internal/utils"
)

func runAccountsCommand(args []string) {
	configPath := "config.yaml"
	action := ""
	var actionArgs []string

	i := 0
	for i < len(args) {
		switch args[i] {
		case "-c", "--config":
			if i+1 >= len(args) {
				fatal("--config requires a value")
			}
			configPath = args[i+1]
			i += 2
		case "-h", "--help":
			printUsage()
			return
		default:
			if action == "" {
				action = args[i]
			} else {
				actionArgs = append(actionArgs, args[i])
			}
			i++
		}
	}
	if action == "" {
		action = "list"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal("%v", err)
	}
	accountStore := store.New(cfg.Accounts.Path)
	file, err := accountStore.Load()
	if err != nil {
		fatal("%v", err)
	}

	switch action {
	case "list":
		listAccounts(file.Accounts)
	case "add":
		addAccount(accountStore, file)
	case "remove":
		requireEmail(actionArgs, "remove")
		removeAccount(accountStore, file, actionArgs[0])
	case "enable":
		requireEmail(actionArgs, "enable")
		setAccountEnabled(accountStore, file, actionArgs[0], true)
	case "disable":
		requireEmail(actionArgs, "disable")
		setAccountEnabled(accountStore, file, actionArgs[0], false)
	case "reset":
		resetAccounts(accountStore, file)
	default:
		fatal("unknown account action %q", action)
	}
}

func requireEmail(args []string, action string) {
	if len(args) == 0 {
		fatal("accounts %s requires an email", action)
	}
}

func listAccounts(accounts []*pool.Account) {
	if len(accounts) == 0 {
		fmt.Println("No accounts configured.")
		fmt.Println("Add one with: gravity-gateway accounts add")
		return
	}

	now := time.Now()
	fmt.Printf("%-32s %-10s %-12s %s\n", "EMAIL", "STATE", "TOKEN", "RATE LIMITS")
	for _, a := range accounts {
		state := "ok"
		switch {
		case a.IsInvalid:
			state = "invalid"
		case !a.Enabled:
			state = "disabled"
		}

		var limits []string
		for model, entry := range a.ModelLimits {
			if entry.ResetTime != nil {
				reset := time.UnixMilli(*entry.ResetTime)
				if reset.After(now) {
					limits = append(limits, fmt.Sprintf("%s (%s)", model, time.Until(reset).Round(time.Second)))
				}
			}
		}
		limited := "-"
		if len(limits) > 0 {
			limited = strings.Join(limits, ", ")
		}
		fmt.Printf("%-32s %-10s %-12s %s\n", a.Email, state, utils.MaskKeyShort(a.RefreshToken), limited)
	}
}

func addAccount(s *store.Store, file *store.File) {
	reader := bufio.NewReader(os.Stdin)

	fmt.Print("Email: ")
	email, err := reader.ReadString('\n')
	if err != nil {
		fatal("read email: %v", err)
	}
	email = strings.TrimSpace(email)
	if email == "" {
		fatal("email is required")
	}
	for _, a := range file.Accounts {
		if a.Email == email {
			fatal("account %s already exists", email)
		}
	}

	refreshToken := readSecret(reader, "Refresh token: ")
	if refreshToken == "" {
		fatal("refresh token is required")
	}

	fmt.Print("Project ID (blank for auto): ")
	projectID, _ := reader.ReadString('\n')
	projectID = strings.TrimSpace(projectID)

	file.Accounts = append(file.Accounts, &pool.Account{
		Email:        email,
		Source:       "manual",
		Enabled:      true,
		RefreshToken: refreshToken,
		ProjectID:    projectID,
	})
	saveOrDie(s, file)
	fmt.Printf("Added %s (%d accounts total)\n", email, len(file.Accounts))
}

// readSecret hides input when stdin is a terminal and falls back to a plain
// line read when it is piped.
func readSecret(reader *bufio.Reader, prompt string) string {
	fmt.Print(prompt)
	if term.IsTerminal(int(os.Stdin.Fd())) {
		secret, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			fatal("read secret: %v", err)
		}
		return strings.TrimSpace(string(secret))
	}
	line, err := reader.ReadString('\n')
	if err != nil {
		fatal("read secret: %v", err)
	}
	return strings.TrimSpace(line)
}

func removeAccount(s *store.Store, file *store.File, email string) {
	kept := file.Accounts[:0]
	found := false
	for _, a := range file.Accounts {
		if a.Email == email {
			found = true
			continue
		}
		kept = append(kept, a)
	}
	if !found {
		fatal("no account %s", email)
	}
	file.Accounts = kept
	if file.ActiveIndex >= len(file.Accounts) {
		file.ActiveIndex = 0
	}
	saveOrDie(s, file)
	fmt.Printf("Removed %s\n", email)
}

func setAccountEnabled(s *store.Store, file *store.File, email string, enabled bool) {
	for _, a := range file.Accounts {
		if a.Email != email {
			continue
		}
		a.Enabled = enabled
		if enabled {
			a.IsInvalid = false
			a.InvalidReason = ""
			a.InvalidAt = nil
		}
		saveOrDie(s, file)
		fmt.Printf("%s is now %s\n", email, map[bool]string{true: "enabled", false: "disabled"}[enabled])
		return
	}
	fatal("no account %s", email)
}

func resetAccounts(s *store.Store, file *store.File) {
	cleared := 0
	for _, a := range file.Accounts {
		if len(a.ModelLimits) > 0 {
			cleared += len(a.ModelLimits)
			a.ModelLimits = nil
		}
	}
	saveOrDie(s, file)
	fmt.Printf("Cleared %d rate-limit entries across %d accounts\n", cleared, len(file.Accounts))
}

func saveOrDie(s *store.Store, file *store.File) {
	if err := s.Save(file.Accounts, file.ActiveIndex); err != nil {
		fatal("%v", err)
	}
}

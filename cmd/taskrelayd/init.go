package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/manifoldco/promptui"
	ini "gopkg.in/ini.v1"

	"github.com/netresearch/taskrelay/config"
)

// initCommand adapts config.InitCommand to go-flags' Commander interface.
type initCommand struct {
	*config.InitCommand
}

// Execute runs the interactive wizard that scaffolds a static INI config
// file, mirroring the teacher's cli.InitCommand.
func (c *initCommand) Execute(_ []string) error {
	logger := newLogger(c.LogLevel)
	logger.Noticef("taskrelayd config wizard")

	if _, err := os.Stat(c.Output); err == nil {
		ok, err := confirm(fmt.Sprintf("%s already exists. Overwrite?", c.Output))
		if err != nil {
			return err
		}
		if !ok {
			logger.Noticef("setup canceled")
			return nil
		}
	}

	tz, err := prompt("Scheduler timezone (IANA)", "Asia/Tokyo")
	if err != nil {
		return err
	}
	dbURL, err := prompt("Database path", "./taskrelay.db")
	if err != nil {
		return err
	}
	pollSeconds, err := promptInt("Reconcile poll interval (seconds, 10-300)", 60)
	if err != nil {
		return err
	}
	frontendURL, err := prompt("Frontend base URL (for Slack links)", "http://localhost:5173")
	if err != nil {
		return err
	}

	enableSlack, err := confirm("Configure SMTP for outcome emails now?")
	if err != nil {
		return err
	}
	var slackHost, slackPort, slackUser, slackFrom string
	if enableSlack {
		slackHost, err = prompt("SMTP host (for outcome emails)", "")
		if err != nil {
			return err
		}
		slackPort, err = prompt("SMTP port", "587")
		if err != nil {
			return err
		}
		slackUser, err = prompt("SMTP username", "")
		if err != nil {
			return err
		}
		slackFrom, err = prompt("From address", "")
		if err != nil {
			return err
		}
	}

	cfg := ini.Empty()
	sched, _ := cfg.NewSection("scheduler")
	_, _ = sched.NewKey("timezone", tz)
	_, _ = sched.NewKey("database-url", dbURL)
	_, _ = sched.NewKey("poll-seconds", strconv.Itoa(pollSeconds))
	_, _ = sched.NewKey("frontend-base-url", frontendURL)

	if enableSlack {
		mailSec, _ := cfg.NewSection("mail")
		_, _ = mailSec.NewKey("host", slackHost)
		_, _ = mailSec.NewKey("port", slackPort)
		_, _ = mailSec.NewKey("user", slackUser)
		_, _ = mailSec.NewKey("from", slackFrom)
	}

	if err := cfg.SaveTo(c.Output); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	logger.Noticef("configuration saved to %s", c.Output)
	logger.Noticef("run `taskrelayd daemon --config %s` to start the scheduler", c.Output)
	return nil
}

func prompt(label, defaultValue string) (string, error) {
	p := promptui.Prompt{Label: label, Default: defaultValue}
	return p.Run()
}

func promptInt(label string, defaultValue int) (int, error) {
	p := promptui.Prompt{
		Label:   label,
		Default: strconv.Itoa(defaultValue),
		Validate: func(s string) error {
			_, err := strconv.Atoi(s)
			return err
		},
	}
	s, err := p.Run()
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(s)
}

func confirm(label string) (bool, error) {
	p := promptui.Prompt{Label: label + " [y/N]", Default: "n"}
	s, err := p.Run()
	if err != nil {
		return false, err
	}
	return s == "y" || s == "Y" || s == "yes", nil
}

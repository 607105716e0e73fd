package server

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultCommandPrefix marks chat text as a command
const DefaultCommandPrefix = "?"

// CommandFunc runs a matched command
type CommandFunc func(args *CommandArgs)

// Command is one entry of the command table
type Command struct {
	Name      string
	Pattern   *regexp.Regexp // matched against the text after the prefix
	AdminOnly bool
	Handler   CommandFunc
}

// Allowed reports whether user may run the command
func (c *Command) Allowed(user *User) bool {
	return !c.AdminOnly || user.IsAdmin()
}

// CommandEngine matches prefixed chat text against an ordered command table.
//
// Registration order is match priority: the first command whose pattern
// matches wins. The table is filled once at startup and never changes after.
type CommandEngine struct {
	prefix   string
	commands []*Command
}

// NewCommandEngine creates an empty engine recognising the given prefix
func NewCommandEngine(prefix string) *CommandEngine {
	if prefix == "" {
		prefix = DefaultCommandPrefix
	}
	return &CommandEngine{prefix: prefix}
}

// Register appends a command to the table. It panics if pattern does not
// compile, since the table is built from constants at startup.
func (e *CommandEngine) Register(pattern, name string, adminOnly bool, handler CommandFunc) {
	e.commands = append(e.commands, &Command{
		Name:      name,
		Pattern:   regexp.MustCompile(pattern),
		AdminOnly: adminOnly,
		Handler:   handler,
	})
}

// Prefix returns the command prefix
func (e *CommandEngine) Prefix() string {
	return e.prefix
}

// Commands returns the table in registration order
func (e *CommandEngine) Commands() []*Command {
	return e.commands
}

// Parse returns the first command matching text, or false if text is not a
// prefixed command or nothing matches.
func (e *CommandEngine) Parse(text string) (*Command, bool) {
	body, ok := strings.CutPrefix(text, e.prefix)
	if !ok {
		return nil, false
	}
	for _, cmd := range e.commands {
		if cmd.Pattern.MatchString(body) {
			return cmd, true
		}
	}
	return nil, false
}

// Visible returns the names of the commands user may run, in table order
func (e *CommandEngine) Visible(user *User) []string {
	names := make([]string, 0, len(e.commands))
	for _, cmd := range e.commands {
		if cmd.Allowed(user) {
			names = append(names, cmd.Name)
		}
	}
	return names
}

// Execute parses text and runs the matched command for user. Admin-only
// commands issued by regular users are answered with a fixed rejection and
// never invoked. It reports whether text matched a command.
func (e *CommandEngine) Execute(srv *Server, user *User, text string) bool {
	cmd, ok := e.Parse(text)
	if !ok {
		return false
	}

	if !cmd.Allowed(user) {
		srv.metrics.RecordCommandDenied(cmd.Name)
		srv.directMessage(user, msgNoPermission)
		return true
	}

	srv.metrics.RecordCommandExecuted(cmd.Name)
	debugLog.Printf("User %s ran command %s", user.Nickname, cmd.Name)
	cmd.Handler(newCommandArgs(srv, user, text))
	return true
}

// CommandArgs is the argument bundle passed to a command handler
type CommandArgs struct {
	Server  *Server
	User    *User    // issuer
	Message string   // raw chat text including the prefix
	Args    []string // Message split on whitespace
}

func newCommandArgs(srv *Server, user *User, message string) *CommandArgs {
	return &CommandArgs{
		Server:  srv,
		User:    user,
		Message: message,
		Args:    strings.Fields(message),
	}
}

// TargetResult is the outcome of resolving a command's target: either a
// registered user or the nickname that could not be found.
type TargetResult struct {
	user     *User
	nickname string
}

// Found returns the resolved user, or false if the nickname is not registered
func (t TargetResult) Found() (*User, bool) {
	return t.user, t.user != nil
}

// Nickname returns the nickname that was looked up
func (t TargetResult) Nickname() string {
	return t.nickname
}

// Target resolves the command's target. The second token, with an optional
// leading "@" removed, names the target; without one the issuer is the target.
func (a *CommandArgs) Target() TargetResult {
	if len(a.Args) < 2 {
		return TargetResult{user: a.User, nickname: a.User.Nickname}
	}

	nickname := strings.TrimPrefix(a.Args[1], AdminMarker)
	user, ok := a.Server.registry.ByNickname(nickname)
	if !ok {
		return TargetResult{nickname: nickname}
	}
	return TargetResult{user: user, nickname: nickname}
}

// RequireTarget resolves the target and tells the issuer when it does not
// exist. Handlers stop when ok is false.
func (a *CommandArgs) RequireTarget() (*User, bool) {
	result := a.Target()
	user, ok := result.Found()
	if !ok {
		a.Server.directMessage(a.User, fmt.Sprintf(msgUserNotFound, result.Nickname()))
	}
	return user, ok
}

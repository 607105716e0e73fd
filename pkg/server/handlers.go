package server

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/aeolun/relaychat/pkg/protocol"
)

// RegisterDefaultCommands fills e with the built-in command table. The order
// below is match priority.
func RegisterDefaultCommands(e *CommandEngine) {
	e.Register(`^(quit)$`, "quit", false, cmdQuit)
	e.Register(`^(view_commands)$`, "view_commands", false, cmdViewCommands)
	e.Register(`^(view_admins)$`, "view_admins", false, cmdViewAdmins)
	e.Register(`^(whisper)\s@?\w+\s.+`, "whisper", false, cmdWhisper)
	e.Register(`^(kick)\s@?\w+$`, "kick", true, cmdKick)
	e.Register(`^(mute)\s@?\w+$`, "mute", true, cmdMute)
	e.Register(`^(unmute)\s@?\w+$`, "unmute", true, cmdUnmute)
	e.Register(`^(promote)\s@?\w+$`, "promote", true, cmdPromote)
	e.Register(`^(demote)\s@?\w+$`, "demote", true, cmdDemote)
	e.Register(`^(send_file)\s\S+$`, "send_file", true, cmdSendFile)
}

// cmdQuit disconnects the issuer
func cmdQuit(a *CommandArgs) {
	srv, user := a.Server, a.User
	if srv.disconnect(user) {
		srv.broadcast(fmt.Sprintf(msgDisconnected, user.DisplayName))
	}
}

// cmdViewCommands lists the commands the issuer may run
func cmdViewCommands(a *CommandArgs) {
	names := a.Server.commands.Visible(a.User)
	a.Server.directMessage(a.User, fmt.Sprintf(msgCommands, strings.Join(names, ", ")))
}

// cmdViewAdmins lists the nicknames of all admins
func cmdViewAdmins(a *CommandArgs) {
	admins := a.Server.registry.Admins()
	a.Server.directMessage(a.User, fmt.Sprintf(msgAdmins, strings.Join(admins, ", ")))
}

// cmdWhisper delivers text to the target only
func cmdWhisper(a *CommandArgs) {
	target, ok := a.RequireTarget()
	if !ok {
		return
	}
	content := strings.Join(a.Args[2:], " ")
	a.Server.directMessage(target, fmt.Sprintf(msgWhisper, a.User.DisplayName, content))
}

// cmdKick tells the target, disconnects it, then tells everyone else
func cmdKick(a *CommandArgs) {
	target, ok := a.RequireTarget()
	if !ok {
		return
	}
	srv := a.Server
	srv.directMessage(target, msgKickedWhisper)
	srv.disconnect(target)
	srv.broadcast(fmt.Sprintf(msgKickedAll, target.Nickname))
	log.Printf("User %s kicked %s", a.User.Nickname, target.Nickname)
}

func cmdMute(a *CommandArgs) {
	target, ok := a.RequireTarget()
	if !ok {
		return
	}
	if target.SetMuted(true) {
		a.Server.directMessage(target, msgMuted)
	}
}

func cmdUnmute(a *CommandArgs) {
	target, ok := a.RequireTarget()
	if !ok {
		return
	}
	if target.SetMuted(false) {
		a.Server.directMessage(target, msgUnmuted)
	}
}

func cmdPromote(a *CommandArgs) {
	target, ok := a.RequireTarget()
	if !ok {
		return
	}
	if target.SetAdmin(true) {
		a.Server.directMessage(target, msgPromoted)
	}
}

// cmdDemote revokes admin, unless the target is the last admin connected
func cmdDemote(a *CommandArgs) {
	target, ok := a.RequireTarget()
	if !ok {
		return
	}
	if !target.IsAdmin() {
		return
	}
	if len(a.Server.registry.Admins()) <= 1 {
		a.Server.directMessage(a.User, msgLastAdmin)
		return
	}
	target.SetAdmin(false)
	a.Server.directMessage(target, msgDemoted)
}

// cmdSendFile asks the issuer's client to upload a file
func cmdSendFile(a *CommandArgs) {
	srv, user := a.Server, a.User
	name := a.Args[1]

	if user.IsUploading() || srv.transfers.State(user.Nickname) == UploadUploading {
		srv.directMessage(user, msgAlreadyUploading)
		return
	}

	user.SetUploading(true)
	srv.sendEnvelope(user, protocol.NewEnvelope(protocol.BuildHeader(protocol.HeaderRequestFile, name), nil))
	srv.broadcast(fmt.Sprintf(msgUploadStarting, name))
}

// registerProtocolHandlers fills the router with every non-chat header
func registerProtocolHandlers(r *protocol.Router[*messageContext]) {
	r.Handle(protocol.HeaderEndConnection, handleEndConnection)
	r.HandleResource(protocol.HeaderFileStart, handleFileStart)
	r.Handle(protocol.HeaderFileChunk, handleFileChunk)
	r.Handle(protocol.HeaderFileEnd, handleFileEnd)
	r.HandleResource(protocol.HeaderFileNotFound, handleFileNotFound)
}

// handleEndConnection handles a client leaving on purpose
func handleEndConnection(ctx *messageContext) error {
	srv, user := ctx.server, ctx.user
	if srv.disconnect(user) {
		srv.broadcast(fmt.Sprintf(msgDisconnected, user.DisplayName))
	}
	return nil
}

// handleFileStart opens an upload. A second start while one is open is
// refused and the open upload is left as it was.
func handleFileStart(name string, ctx *messageContext) error {
	srv, user := ctx.server, ctx.user

	sess, err := srv.transfers.Start(user.Nickname, name)
	if errors.Is(err, ErrUploadInProgress) {
		srv.directMessage(user, msgAlreadyUploading)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to start upload of %q: %w", name, err)
	}

	user.SetUploading(true)
	debugLog.Printf("User %s started upload %s of %s", user.Nickname, sess.ID, sess.FileName)
	return nil
}

// handleFileChunk appends one chunk to the sender's open upload
func handleFileChunk(ctx *messageContext) error {
	err := ctx.server.transfers.Append(ctx.user.Nickname, ctx.env.Data)
	if err != nil && !errors.Is(err, ErrNoActiveUpload) {
		// The write failure ended the upload
		ctx.user.SetUploading(false)
	}
	return err
}

// handleFileEnd stores the finished upload and announces it
func handleFileEnd(ctx *messageContext) error {
	srv, user := ctx.server, ctx.user

	sess, path, err := srv.transfers.Finish(user.Nickname)
	if errors.Is(err, ErrNoActiveUpload) {
		return err
	}
	user.SetUploading(false)
	if err != nil {
		return fmt.Errorf("failed to store upload of %s: %w", sess.FileName, err)
	}

	log.Printf("User %s uploaded %s (%d bytes in %d chunks) to %s", user.Nickname, sess.FileName, sess.Bytes, sess.Chunks, path)
	srv.broadcast(fmt.Sprintf(msgUploadFinished, sess.FileName))

	if srv.config.BroadcastFiles {
		srv.spawnFileSender(user, sess.FileName)
	}
	return nil
}

// handleFileNotFound relays a client's failure to supply a requested file
func handleFileNotFound(name string, ctx *messageContext) error {
	srv, user := ctx.server, ctx.user
	if srv.transfers.State(user.Nickname) == UploadIdle {
		user.SetUploading(false)
	}
	srv.broadcast(fmt.Sprintf(msgFileNotFound, name))
	return nil
}

package server

// Texts sent to users. Format verbs are filled with nicknames, display names
// or file names.
const (
	msgConnected        = "%s connected"
	msgDisconnected     = "%s disconnected."
	msgChat             = "%s: %s"
	msgNicknameTaken    = "Nickname: %s is taken."
	msgInvalidNickname  = "Invalid nickname."
	msgNoPermission     = "You have no permission to use this command!"
	msgWhisper          = "%s whispered: %s"
	msgKickedWhisper    = "You were kicked from the server."
	msgKickedAll        = "User %s was kicked from the server."
	msgMuted            = "You've been muted. you can no longer send messages, but you can still view the chat."
	msgMutedReminder    = "You cannot send messages or run commands while you are muted."
	msgUnmuted          = "You are no longer muted."
	msgCommands         = "Allowed commands: %s"
	msgAdmins           = "Admins: %s"
	msgPromoted         = "You are now an admin."
	msgDemoted          = "You are now a regular."
	msgLastAdmin        = "You cannot demote the last admin."
	msgUserNotFound     = "User %s not found."
	msgUploadStarting   = "Attempting to upload file: %s"
	msgAlreadyUploading = "You can only upload one file at a time."
	msgUploadFinished   = "%s has finished uploading!"
	msgFileNotFound     = "file: %s was not found."
	msgServerShutdown   = "Server is shutting down."
)

package wire

import (
	"github.com/pgmockd/pgmockd/pkg/buffer"
	"github.com/pgmockd/pgmockd/pkg/types"
)

// writeNotificationResponse writes an asynchronous NotificationResponse
// ('A') frame to a listening client's socket. Installed as a session's
// notify function by serve, and invoked by the notification hub from
// whichever goroutine delivers a NOTIFY, never while holding the hub lock.
func writeNotificationResponse(writer *buffer.Writer, senderPid int32, channel, payload string) error {
	writer.Start(types.ServerNotificationResponse)
	writer.AddInt32(senderPid)
	writer.AddString(channel)
	writer.AddNullTerminate()
	writer.AddString(payload)
	writer.AddNullTerminate()
	return writer.End()
}

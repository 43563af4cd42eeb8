// Package chat carries text between two connected peers over the session socket.
package chat

import (
	"fmt"
	"net"
	"time"
)

// Message is one chat line, sent or received.
type Message struct {
	Text     string
	From     *net.UDPAddr // Sender, for received messages
	To       *net.UDPAddr // Recipient, for sent messages
	At       time.Time
	Outgoing bool
}

// FormatTime returns a formatted timestamp string
func (m Message) FormatTime() string {
	return m.At.Format("15:04:05")
}

// Peer returns the remote side of the message.
func (m Message) Peer() *net.UDPAddr {
	if m.Outgoing {
		return m.To
	}
	return m.From
}

// Colors for terminal output
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorCyan   = "\033[36m"
	ColorGray   = "\033[90m"
	ColorBold   = "\033[1m"
)

// Format renders a message for terminal display.
func Format(msg Message) string {
	timeStr := ColorGray + "[" + msg.FormatTime() + "]" + ColorReset

	if msg.Outgoing {
		return fmt.Sprintf("%s %s%sYou:%s %s", timeStr, ColorBold, ColorCyan, ColorReset, msg.Text)
	}
	return fmt.Sprintf("%s %s%sPeer %s:%s %s", timeStr, ColorBold, ColorGreen, msg.From, ColorReset, msg.Text)
}

// Notice renders a status line, such as a state change.
func Notice(text string) string {
	return fmt.Sprintf("%s* %s%s", ColorYellow, text, ColorReset)
}

// Warning renders an error line.
func Warning(text string) string {
	return fmt.Sprintf("%s! %s%s", ColorRed, text, ColorReset)
}

// ClearLine clears the current terminal line.
func ClearLine() string {
	return "\r\033[K"
}

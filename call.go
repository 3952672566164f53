package vbus

// callOutcome is the terminal state of a Call.
type callOutcome int

const (
	callPending callOutcome = iota
	callReplied
	callErrored
	callReleased
)

func (o callOutcome) String() string {
	switch o {
	case callPending:
		return "pending"
	case callReplied:
		return "replied"
	case callErrored:
		return "errored"
	case callReleased:
		return "released"
	}
	return "unknown"
}

// replyGuard is shared by the Calls of a single inbound message, which
// may match several subscriptions but must be answered at most once.
type replyGuard struct {
	answered bool
}

// A Call is an inbound method call being handled by a [Handler].
//
// A Call ends in exactly one of three ways: a reply is sent, an error
// is sent, or the Call is released unanswered. The Pump releases the
// Call when the handler returns, so a handler must answer before
// returning.
//
// When a method call matches several subscriptions, each handler gets
// its own Call, but only the first answer is sent. Later attempts
// fail with [ErrReleased].
type Call struct {
	conn    *Conn
	msg     *msg
	guard   *replyGuard
	outcome callOutcome
}

func newCall(c *Conn, m *msg, guard *replyGuard) *Call {
	return &Call{
		conn:  c,
		msg:   m,
		guard: guard,
	}
}

// Sender returns the unique bus name of the caller.
func (c *Call) Sender() string { return c.msg.Sender }

// Path returns the object path the call was made on.
func (c *Call) Path() string { return c.msg.Path }

// Interface returns the interface named by the call, if any.
func (c *Call) Interface() string { return c.msg.Interface }

// Member returns the name of the called method.
func (c *Call) Member() string { return c.msg.Member }

// WantReply reports whether the caller expects a response.
func (c *Call) WantReply() bool { return c.msg.WantReply() }

// NewReturn returns an empty method return for the call, to which
// results can be appended.
func (c *Call) NewReturn() *Message {
	m := c.conn.newMessage(header{
		Type:        msgTypeReturn,
		ReplySerial: c.msg.Serial,
		Destination: c.msg.Sender,
	})
	m.call = c
	return m
}

// NewError returns an error response for the call. The error
// description, if not empty, is the error's first argument.
func (c *Call) NewError(name, description string) *Message {
	m := c.conn.newMessage(header{
		Type:        msgTypeError,
		ErrName:     name,
		ReplySerial: c.msg.Serial,
		Destination: c.msg.Sender,
	})
	m.call = c
	if err := validErrorName(name); err != nil {
		m.fail(err)
	}
	if description != "" {
		m.Append(String(description))
	}
	return m
}

// Reply sends a method return with the given results.
func (c *Call) Reply(results ...Value) error {
	m := c.NewReturn()
	m.Append(results...)
	return m.SendAsync()
}

// ReplyError sends an error response.
func (c *Call) ReplyError(name, description string) error {
	return c.NewError(name, description).SendAsync()
}

// Release gives up on answering the call. It is a no-op if the call
// was already answered or released.
func (c *Call) Release() {
	if c.outcome == callPending {
		c.outcome = callReleased
	}
}

// claim records that the call is being answered with a message of
// type t.
func (c *Call) claim(t msgType) error {
	if c.outcome != callPending || c.guard.answered {
		return ErrReleased
	}
	c.guard.answered = true
	if t == msgTypeError {
		c.outcome = callErrored
	} else {
		c.outcome = callReplied
	}
	return nil
}

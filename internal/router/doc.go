// Package router
// Author: momentics <momentics@gmail.com>
//
// Decodes control messages received on text frames and dispatches them to
// named handlers. Replies are delivered through an Outbound sink so the
// router never touches a connection directly.
package router

package common

// UnboundedChannelSize is the buffer size for channels that must not block
// their producers under normal operation (activity notifications, inboxes).
const UnboundedChannelSize = 512

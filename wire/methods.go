package wire

// Method names a remote capability reachable through the API proxy. The set
// below is closed: extending it is the only sanctioned way to add
// capability to the forum surface.
type Method string

const (
	MethodGetUserInfo        Method = "getUserInfo"
	MethodGetUserFriends     Method = "getUserFriends"
	MethodGetContextData     Method = "getContextData"
	MethodGetCommunityInfo   Method = "getCommunityInfo"
	MethodGiveRole           Method = "giveRole"
	MethodSwitchCommunity    Method = "switchCommunity"
	MethodGetUserCommunities Method = "getUserCommunities"
	MethodGetUserProfile     Method = "getUserProfile"
	MethodGetIrcCredentials  Method = "getIrcCredentials"
)

var allowedMethods = map[Method]struct{}{
	MethodGetUserInfo:        {},
	MethodGetUserFriends:     {},
	MethodGetContextData:     {},
	MethodGetCommunityInfo:   {},
	MethodGiveRole:           {},
	MethodSwitchCommunity:    {},
	MethodGetUserCommunities: {},
	MethodGetUserProfile:     {},
	MethodGetIrcCredentials:  {},
}

// Allowed reports whether m is part of the sanctioned method set.
func (m Method) Allowed() bool {
	_, ok := allowedMethods[m]
	return ok
}

// Local reports whether m must be handled by the host itself rather than
// forwarded to the remote API. switchCommunity requires coordinated local
// state changes (active community, context reload) the remote cannot
// perform.
func (m Method) Local() bool {
	return m == MethodSwitchCommunity
}

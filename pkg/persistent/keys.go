package persistent

// Storage key layout. One namespace per token; the prefix is fixed by the
// wire-compatible storage contract and shared with other Mixpanel SDKs.
const keyPrefix = "MIXPANEL_"

func deviceIDKey(token string) string   { return keyPrefix + token + "_DEVICE_ID" }
func distinctIDKey(token string) string { return keyPrefix + token + "_DISTINCT_ID" }
func userIDKey(token string) string     { return keyPrefix + token + "_USER_ID" }
func superPropsKey(token string) string { return keyPrefix + token + "_SUPER_PROPERTIES" }
func timeEventsKey(token string) string { return keyPrefix + token + "_TIME_EVENTS" }
func optOutKey(token string) string     { return keyPrefix + token + "_OPT_OUT" }

func queueKey(token, stream string) string {
	return keyPrefix + token + "_" + stream + "_QUEUE"
}

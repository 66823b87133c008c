package readengine

import "time"

// nowFunc is a var, not time.Now directly, so tests can freeze time
// when exercising the validity-timeout eviction rule.
var nowFunc = time.Now

// Package crawl runs crawl specifications as registry jobs. Each job fetches
// its URLs in order and appends every page body to the specification's target
// stream at the URL's ordinal position.
package crawl

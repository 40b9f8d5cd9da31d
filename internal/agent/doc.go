// Package agent implements the offline cache router: per request it decides
// whether to answer from a cache partition, fetch the network, or both.
// Shell assets are cache-first with populate-on-miss; API reads are
// network-first with cache fallback, short-circuiting to cache when the
// connectivity monitor reports offline. API writes always pass through so the
// application sees real failures. Failed reads never surface as raw transport
// errors; they resolve to a synthesized 503 response the app can branch on.
package agent

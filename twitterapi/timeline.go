package twitterapi

import (
	"html"
	"slices"
	"strconv"
	"strings"

	"github.com/onnwee/post-relay/relay"
)

// maxWalkDepth bounds recursion through nested timeline modules.
const maxWalkDepth = 8

const (
	instructionAddEntries = "TimelineAddEntries"
	instructionPinEntry   = "TimelinePinEntry"
	entryTypeModule       = "TimelineTimelineModule"
	itemTypeTweet         = "TimelineTweet"
	typeVisibilityWrapper = "TweetWithVisibilityResults"
)

type timelineResponse struct {
	Result struct {
		Timeline struct {
			Instructions []instruction `json:"instructions"`
		} `json:"timeline"`
	} `json:"result"`
}

type instruction struct {
	Type    string  `json:"type"`
	Entries []entry `json:"entries"`
	Entry   *entry  `json:"entry"`
}

type entry struct {
	EntryID   string       `json:"entryId"`
	SortIndex string       `json:"sortIndex"`
	Content   entryContent `json:"content"`
}

type entryContent struct {
	EntryType   string       `json:"entryType"`
	ItemContent *itemContent `json:"itemContent"`
	Items       []struct {
		EntryID string `json:"entryId"`
		Item    struct {
			ItemContent *itemContent `json:"itemContent"`
		} `json:"item"`
	} `json:"items"`
}

type itemContent struct {
	ItemType     string `json:"itemType"`
	TweetResults struct {
		Result *tweetResult `json:"result"`
	} `json:"tweet_results"`
}

type tweetResult struct {
	TypeName string       `json:"__typename"`
	Tweet    *tweetResult `json:"tweet"`
	Core     struct {
		UserResults struct {
			Result *userResult `json:"result"`
		} `json:"user_results"`
	} `json:"core"`
	Legacy    *tweetLegacy `json:"legacy"`
	NoteTweet *noteTweet   `json:"note_tweet"`
}

type tweetLegacy struct {
	IDStr             string   `json:"id_str"`
	FullText          string   `json:"full_text"`
	CreatedAt         string   `json:"created_at"`
	InReplyToStatusID string   `json:"in_reply_to_status_id_str"`
	InReplyToUserID   string   `json:"in_reply_to_user_id_str"`
	IsQuoteStatus     bool     `json:"is_quote_status"`
	QuotedStatusIDStr string   `json:"quoted_status_id_str"`
	UserIDStr         string   `json:"user_id_str"`
	Entities          entities `json:"entities"`
	ExtendedEntities  entities `json:"extended_entities"`
}

type entities struct {
	Media []struct {
		MediaURLHTTPS string `json:"media_url_https"`
	} `json:"media"`
}

type noteTweet struct {
	NoteTweetResults struct {
		Result struct {
			Text string `json:"text"`
		} `json:"result"`
	} `json:"note_tweet_results"`
}

func (n *noteTweet) text() string {
	if n == nil {
		return ""
	}
	return n.NoteTweetResults.Result.Text
}

// singleTweet is the /tweet payload: the legacy fields inline plus the note.
type singleTweet struct {
	tweetLegacy
	NoteTweet *noteTweet `json:"note_tweet"`
}

func (t *singleTweet) post(id string) relay.Post {
	p := relay.Post{ID: id, Author: t.UserIDStr, Media: mediaURLs(t.tweetLegacy)}
	if t.IDStr != "" {
		p.ID = t.IDStr
	}
	p.Body, p.Truncated = body(t.FullText, t.NoteTweet)
	p.CreatedAt, _ = relay.ParseTimestamp(t.CreatedAt)
	p.Rank = rankOf(p.ID, "")
	if t.IsQuoteStatus {
		p.QuotedID = t.QuotedStatusIDStr
	}
	return p
}

// nodeKind tags the three timeline shapes the walk understands.
type nodeKind int

const (
	nodeLeaf nodeKind = iota
	nodeModule
	nodePin
)

type node struct {
	kind      nodeKind
	sortIndex string
	content   *itemContent
	children  []node
}

// item is one flattened timeline entry. Entries that are posts but cannot be
// delivered (replies, tombstones, malformed payloads) are kept as ignored so
// they still consume fetch window slots.
type item struct {
	post    relay.Post
	ignored bool
}

func nodeFromEntry(e entry) node {
	c := e.Content
	if c.ItemContent != nil {
		return node{kind: nodeLeaf, sortIndex: e.SortIndex, content: c.ItemContent}
	}
	n := node{kind: nodeModule, sortIndex: e.SortIndex}
	if c.EntryType != entryTypeModule {
		return n
	}
	for _, it := range c.Items {
		if it.Item.ItemContent != nil {
			n.children = append(n.children, node{kind: nodeLeaf, sortIndex: e.SortIndex, content: it.Item.ItemContent})
		}
	}
	return n
}

// walk flattens n into out. pinned marks leaves reached through a pin node.
func walk(n node, depth int, pinned bool, out []item) []item {
	if depth > maxWalkDepth {
		return out
	}
	switch n.kind {
	case nodeLeaf:
		if it, ok := parseLeaf(n.content, n.sortIndex); ok {
			it.post.Pinned = pinned
			out = append(out, it)
		}
	case nodeModule:
		for _, child := range n.children {
			out = walk(child, depth+1, pinned, out)
		}
	case nodePin:
		for _, child := range n.children {
			out = walk(child, depth+1, true, out)
		}
	}
	return out
}

// parseLeaf converts one item. ok is false for non-post items (cursors,
// prompts) which do not count against the window.
func parseLeaf(c *itemContent, sortIndex string) (item, bool) {
	if c == nil || (c.ItemType != "" && c.ItemType != itemTypeTweet) {
		return item{}, false
	}
	res := c.TweetResults.Result
	if res != nil && res.TypeName == typeVisibilityWrapper && res.Tweet != nil {
		res = res.Tweet
	}
	if res == nil || res.Legacy == nil || res.Legacy.IDStr == "" {
		return item{post: relay.Post{Rank: rankOf("", sortIndex)}, ignored: true}, true
	}
	lg := res.Legacy
	rank := rankOf(lg.IDStr, sortIndex)
	if lg.InReplyToStatusID != "" || lg.InReplyToUserID != "" {
		return item{post: relay.Post{ID: lg.IDStr, Rank: rank}, ignored: true}, true
	}
	created, err := relay.ParseTimestamp(lg.CreatedAt)
	if err != nil {
		return item{post: relay.Post{ID: lg.IDStr, Rank: rank}, ignored: true}, true
	}

	p := relay.Post{ID: lg.IDStr, CreatedAt: created, Media: mediaURLs(*lg), Rank: rank}
	p.Body, p.Truncated = body(lg.FullText, res.NoteTweet)
	if u := res.Core.UserResults.Result; u != nil {
		p.Author = u.handle()
	}
	if lg.IsQuoteStatus {
		p.QuotedID = lg.QuotedStatusIDStr
	}
	return item{post: p}, true
}

// flattenTimeline walks every instruction and keeps the newest max organic
// entries. The pinned entry, if any, follows them.
func flattenTimeline(resp timelineResponse, max int) relay.Batch {
	var organic, pinned []item
	for _, ins := range resp.Result.Timeline.Instructions {
		switch ins.Type {
		case instructionAddEntries:
			for _, e := range ins.Entries {
				organic = walk(nodeFromEntry(e), 0, false, organic)
			}
		case instructionPinEntry:
			if ins.Entry != nil {
				pinned = walk(node{kind: nodePin, children: []node{nodeFromEntry(*ins.Entry)}}, 0, true, pinned)
			}
		}
	}

	slices.SortStableFunc(organic, func(a, b item) int {
		switch {
		case a.post.Rank > b.post.Rank:
			return -1
		case a.post.Rank < b.post.Rank:
			return 1
		}
		return 0
	})
	if len(organic) > max {
		organic = organic[:max]
	}

	var batch relay.Batch
	for _, it := range append(organic, pinned...) {
		if it.ignored {
			if !it.post.Pinned {
				batch.Ignored++
			}
			continue
		}
		batch.Posts = append(batch.Posts, it.post)
	}
	return batch
}

// body prefers the long-form note text. A body cut with an ellipsis and no
// note is flagged for a full-text lookup.
func body(fullText string, note *noteTweet) (string, bool) {
	if t := note.text(); t != "" {
		return t, false
	}
	text := html.UnescapeString(fullText)
	return text, strings.HasSuffix(strings.TrimSpace(text), "…")
}

func mediaURLs(lg tweetLegacy) []string {
	media := lg.ExtendedEntities.Media
	if len(media) == 0 {
		media = lg.Entities.Media
	}
	var out []string
	for _, m := range media {
		if m.MediaURLHTTPS != "" && !slices.Contains(out, m.MediaURLHTTPS) {
			out = append(out, m.MediaURLHTTPS)
		}
	}
	return out
}

// rankOf derives ordering from the numeric post id, which grows with time.
// The entry sort index is the fallback.
func rankOf(id, sortIndex string) int64 {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	if n, err := strconv.ParseInt(sortIndex, 10, 64); err == nil {
		return n
	}
	return 0
}

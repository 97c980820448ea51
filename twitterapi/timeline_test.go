package twitterapi

import (
	"encoding/json"
	"testing"
)

func decodeTimeline(t *testing.T, raw string) timelineResponse {
	t.Helper()
	var resp timelineResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return resp
}

func TestFlattenTimelineModulesAndWrappers(t *testing.T) {
	raw := `{"result":{"timeline":{"instructions":[
	  {"type":"TimelineClearCache"},
	  {"type":"TimelineAddEntries","entries":[
	    {"entryId":"profile-conversation-1","sortIndex":"500","content":{"entryType":"TimelineTimelineModule","items":[
	      {"entryId":"a","item":{"itemContent":{"itemType":"TimelineTweet","tweet_results":{"result":{
	        "__typename":"TweetWithVisibilityResults",
	        "tweet":{"__typename":"Tweet","legacy":{"id_str":"300","full_text":"thread start","created_at":"Wed Jan 03 10:00:00 +0000 2024"}}}}}}},
	      {"entryId":"b","item":{"itemContent":{"itemType":"TimelineTweet","tweet_results":{"result":{
	        "__typename":"Tweet","legacy":{"id_str":"301","full_text":"self reply","created_at":"Wed Jan 03 10:01:00 +0000 2024","in_reply_to_status_id_str":"300"}}}}}}
	    ]}},
	    {"entryId":"tomb","sortIndex":"250","content":{"entryType":"TimelineTimelineItem","itemContent":{"itemType":"TimelineTweet","tweet_results":{"result":{"__typename":"TweetTombstone"}}}}},
	    {"entryId":"who-to-follow","sortIndex":"200","content":{"entryType":"TimelineTimelineItem","itemContent":{"itemType":"TimelineUser"}}},
	    {"entryId":"cursor-bottom","sortIndex":"1","content":{"entryType":"TimelineTimelineCursor","value":"x"}}
	  ]}
	]}}}`
	batch := flattenTimeline(decodeTimeline(t, raw), 20)

	if len(batch.Posts) != 1 || batch.Posts[0].ID != "300" || batch.Posts[0].Body != "thread start" {
		t.Fatalf("posts = %+v", batch.Posts)
	}
	// the self reply and the tombstone are posts that cannot be delivered
	if batch.Ignored != 2 {
		t.Errorf("ignored = %d, want 2", batch.Ignored)
	}
}

func TestFlattenTimelineNoteAndTruncation(t *testing.T) {
	raw := `{"result":{"timeline":{"instructions":[{"type":"TimelineAddEntries","entries":[
	  {"entryId":"n","sortIndex":"2","content":{"itemContent":{"tweet_results":{"result":{
	    "legacy":{"id_str":"20","full_text":"cut short…","created_at":"Tue Jan 02 10:00:00 +0000 2024"},
	    "note_tweet":{"note_tweet_results":{"result":{"text":"full note body"}}}}}}}},
	  {"entryId":"t","sortIndex":"1","content":{"itemContent":{"tweet_results":{"result":{
	    "legacy":{"id_str":"10","full_text":"also cut…","created_at":"Mon Jan 01 10:00:00 +0000 2024"}}}}}}
	]}]}}}`
	batch := flattenTimeline(decodeTimeline(t, raw), 20)
	if len(batch.Posts) != 2 {
		t.Fatalf("posts = %+v", batch.Posts)
	}
	if p := batch.Posts[0]; p.Body != "full note body" || p.Truncated {
		t.Errorf("note post = %+v", p)
	}
	if p := batch.Posts[1]; !p.Truncated {
		t.Errorf("ellipsis post should be truncated: %+v", p)
	}
}

func TestFlattenTimelineMalformedTimestampIsIgnored(t *testing.T) {
	raw := `{"result":{"timeline":{"instructions":[{"type":"TimelineAddEntries","entries":[
	  {"entryId":"x","sortIndex":"1","content":{"itemContent":{"tweet_results":{"result":{
	    "legacy":{"id_str":"10","full_text":"when?","created_at":"yesterday-ish"}}}}}}
	]}]}}}`
	batch := flattenTimeline(decodeTimeline(t, raw), 20)
	if len(batch.Posts) != 0 || batch.Ignored != 1 {
		t.Errorf("batch = %+v", batch)
	}
}

func TestWalkDepthBound(t *testing.T) {
	leaf := node{kind: nodeLeaf, content: &itemContent{}}
	n := leaf
	for i := 0; i < maxWalkDepth+3; i++ {
		n = node{kind: nodeModule, children: []node{n}}
	}
	// too deep: nothing is reached, and the walk terminates
	if out := walk(n, 0, false, nil); len(out) != 0 {
		t.Errorf("walk past depth bound returned %d items", len(out))
	}
}

func TestRankOf(t *testing.T) {
	if got := rankOf("1790000000000000000", "5"); got != 1790000000000000000 {
		t.Errorf("rank from id = %d", got)
	}
	if got := rankOf("", "77"); got != 77 {
		t.Errorf("rank from sort index = %d", got)
	}
	if got := rankOf("abc", "xyz"); got != 0 {
		t.Errorf("rank fallback = %d", got)
	}
}

package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoPeriodMPD = `<?xml version="1.0" encoding="UTF-8"?>
<MPD type="static">
  <Period id="p0" start="0">
    <AdaptationSet id="a0" contentType="video" mimeType="video/mp4">
      <SegmentTemplate timescale="1" initialization="init-$RepresentationID$.m4s" media="seg-$RepresentationID$-$Time$.m4s">
        <SegmentTimeline>
          <S t="0" d="4" r="4"/>
        </SegmentTimeline>
      </SegmentTemplate>
      <Representation id="r0" bandwidth="800000" codecs="avc1.64001f"/>
    </AdaptationSet>
  </Period>
  <Period id="p1" start="20">
    <AdaptationSet id="a0" contentType="video" mimeType="video/mp4">
      <SegmentTemplate timescale="1" initialization="init-$RepresentationID$.m4s" media="seg-$RepresentationID$-$Time$.m4s">
        <SegmentTimeline>
          <S t="0" d="4" r="4"/>
        </SegmentTimeline>
      </SegmentTemplate>
      <Representation id="r0" bandwidth="800000" codecs="avc1.64001f"/>
    </AdaptationSet>
  </Period>
</MPD>
`

func TestParseDASHInfersDurationFromNextPeriodStart(t *testing.T) {
	m, err := ParseDASH([]byte(twoPeriodMPD))
	require.NoError(t, err)
	require.Len(t, m.Periods, 2)

	require.NotNil(t, m.Periods[0].Duration)
	assert.Equal(t, 20.0, *m.Periods[0].Duration)
	assert.Nil(t, m.Periods[1].Duration)
}

func TestParseDASHRoutesToSecondPeriod(t *testing.T) {
	m, err := ParseDASH([]byte(twoPeriodMPD))
	require.NoError(t, err)

	p, ok := m.PeriodForTime(25)
	require.True(t, ok)
	assert.Equal(t, "p1", p.ID)
}

func TestParseDASHRoutesToFirstPeriod(t *testing.T) {
	m, err := ParseDASH([]byte(twoPeriodMPD))
	require.NoError(t, err)

	p, ok := m.PeriodForTime(5)
	require.True(t, ok)
	assert.Equal(t, "p0", p.ID)
}

const explicitDurationMPD = `<?xml version="1.0" encoding="UTF-8"?>
<MPD type="static">
  <Period id="p0" start="0" duration="10">
    <AdaptationSet id="a0" contentType="video" mimeType="video/mp4">
      <SegmentTemplate timescale="1" initialization="init-$RepresentationID$.m4s" media="seg-$RepresentationID$-$Time$.m4s">
        <SegmentTimeline>
          <S t="0" d="4" r="1"/>
        </SegmentTimeline>
      </SegmentTemplate>
      <Representation id="r0" bandwidth="800000" codecs="avc1.64001f"/>
    </AdaptationSet>
  </Period>
</MPD>
`

func TestParseDASHHonoursExplicitDuration(t *testing.T) {
	m, err := ParseDASH([]byte(explicitDurationMPD))
	require.NoError(t, err)
	require.Len(t, m.Periods, 1)
	require.NotNil(t, m.Periods[0].Duration)
	assert.Equal(t, 10.0, *m.Periods[0].Duration)
}

const xlinkPeriodMPD = `<?xml version="1.0" encoding="UTF-8"?>
<MPD type="dynamic" xmlns:xlink="http://www.w3.org/1999/xlink">
  <Period id="p0" start="0" xlink:href="https://example.invalid/periods/p0.xml" xlink:actuate="onLoad"/>
  <Period id="p1" start="20">
    <AdaptationSet id="a0" contentType="video" mimeType="video/mp4">
      <SegmentTemplate timescale="1" initialization="init-$RepresentationID$.m4s" media="seg-$RepresentationID$-$Time$.m4s">
        <SegmentTimeline>
          <S t="0" d="4" r="1"/>
        </SegmentTimeline>
      </SegmentTemplate>
      <Representation id="r0" bandwidth="800000" codecs="avc1.64001f"/>
    </AdaptationSet>
  </Period>
</MPD>
`

func TestParseDASHMarksXLinkPeriodPartial(t *testing.T) {
	m, err := ParseDASH([]byte(xlinkPeriodMPD))
	require.NoError(t, err)
	require.Len(t, m.Periods, 2)

	assert.True(t, m.Periods[0].Partial)
	assert.Equal(t, "https://example.invalid/periods/p0.xml", m.Periods[0].XLinkHref)
	assert.False(t, m.Periods[1].Partial)
}

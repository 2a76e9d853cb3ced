package catalog

// DefaultInterpreter runs the pipeline scripts of the built-in catalog.
const DefaultInterpreter = "python"

// Default returns the canonical daily plan. Paths are relative to the project
// root. The overview fork is only consumed by the archive step, so it is
// joined at the very end.
func Default(interpreter string) *Catalog {
	if interpreter == "" {
		interpreter = DefaultInterpreter
	}
	b := NewBuilder(interpreter)

	b.Sequential("", b.Pipeline("Major indices ETL", "pipelines/1_companies/etl_pipeline.py", nil, 14))
	b.Sequential("", b.Pipeline("Small caps enrichment", "pipelines/1_companies/enrich_etl.py", nil, 2))
	b.Sequential("", b.Pipeline("Merge company data", "pipelines/1_companies/merge_uniform.py", nil, 2))

	overview := b.Fork("Overview data",
		b.Pipeline("Overview data", "pipelines/2_overview/generate_overview_full.py", nil, 5),
		b.Pipeline("Index data", "pipelines/2_overview/Index_data.py", nil, 2),
	)

	b.Sequential("", b.Pipeline("Company enrichment", "pipelines/3_enrich_companies/enrich_companies.py", nil, 3))
	b.Sequential("", b.Pipeline("Company refinement", "pipelines/3_enrich_companies/refine_companies.py", nil, 2))

	b.Sequential("", b.Pipeline("News analysis", "pipelines/4_sentiment/enrich_sent_gpt.py", nil, 3))
	b.Sequential("", b.Pipeline("News merge", "pipelines/4_sentiment/merge_news_gpt.py", nil, 2))
	b.Sequential("", b.Pipeline("JSON cleanup", "pipelines/6_final/clean_json_files.py", nil, 1))

	b.Sequential("", b.Pipeline("Sentiment aggregation", "pipelines/4_sentiment/generate_df_sentiment_full.py", nil, 2))
	b.Sequential("", b.Pipeline("Daily snapshot archive", "pipelines/6_final/archive_daily_snapshot.py", nil, 1))

	b.Join(overview)

	c, err := b.Build()
	if err != nil {
		panic(err)
	}
	return c
}

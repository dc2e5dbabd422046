package browser

// scrollJS advances the review list. The storefront sometimes renders
// reviews inside a modal with its own scrollable container; that
// container must be scrolled, not the document. The script probes modal
// selectors first and falls back to window scrolling (smooth scroll,
// jump to bottom, End key is pressed separately by the driver).
const scrollJS = `
() => {
	const modalSelectors = [
		'[role="dialog"]',
		'[aria-modal="true"]',
		'dialog',
		'[role="dialog"] [class*="scroll"]',
		'dialog [class*="scroll"]',
	];

	for (const sel of modalSelectors) {
		for (const el of document.querySelectorAll(sel)) {
			const scrollable = el.scrollHeight > el.clientHeight;
			if (!scrollable) continue;
			const hasReviews = el.querySelector('article[aria-labelledby^="review-"]') !== null;
			const underDialog = el.closest('[role="dialog"], dialog') !== null;
			if (hasReviews || underDialog) {
				el.scrollBy(0, el.clientHeight * 0.8);
				return 'modal';
			}
		}
	}

	// Fall back to the document itself.
	window.scrollTo({ top: window.scrollY + window.innerHeight * 1.5, behavior: 'smooth' });
	window.scrollTo(0, document.body.scrollHeight);
	return 'window';
}
`

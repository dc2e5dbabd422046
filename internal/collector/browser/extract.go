package browser

// extractReviewsJS runs inside the storefront page and harvests review
// candidates. Selector strategies are tried in priority order, stopping
// at the first that yields candidates; the storefront markup has
// changed several times, so the older patterns stay as fallbacks.
const extractReviewsJS = `
() => {
	const results = [];
	const seenContent = new Set();

	const textOf = (el) => el ? el.textContent.trim() : '';

	const collectCandidates = () => {
		// Strategy 1: current review-article markup
		let found = Array.from(document.querySelectorAll('article[aria-labelledby^="review-"]'));
		if (found.length > 0) return found;

		// Strategy 2: review-class containers with real text
		found = Array.from(document.querySelectorAll('[class*="review"]')).filter(el =>
			el.textContent.trim().length > 50 && el.children.length > 0);
		if (found.length > 0) return found;

		// Strategy 3: ancestors of star-rating affordances
		const starEls = document.querySelectorAll('[aria-label*="star" i], figure[role="img"]');
		const fromStars = [];
		starEls.forEach(star => {
			let node = star;
			for (let i = 0; i < 5 && node; i++) {
				node = node.parentElement;
				if (node && node.textContent.trim().length > 50) {
					fromStars.push(node);
					break;
				}
			}
		});
		if (fromStars.length > 0) return fromStars;

		// Strategy 4: ancestors of review headers
		const headers = document.querySelectorAll('[class*="review-header"]');
		const fromHeaders = [];
		headers.forEach(h => {
			if (h.parentElement) fromHeaders.push(h.parentElement);
		});
		if (fromHeaders.length > 0) return fromHeaders;

		// Strategy 5: ordered-list star widgets
		const ols = document.querySelectorAll('ol.stars[aria-label*="Star"]');
		const fromOls = [];
		ols.forEach(ol => {
			let node = ol;
			for (let i = 0; i < 5 && node; i++) {
				node = node.parentElement;
				if (node && node.textContent.trim().length > 50) {
					fromOls.push(node);
					break;
				}
			}
		});
		return fromOls;
	};

	const ratingOf = (el) => {
		// Preferred: integer prefix of the stars container's aria-label
		const stars = el.querySelector('.stars, [class*="stars"], ol.stars');
		if (stars) {
			const label = stars.getAttribute('aria-label') || '';
			const m = label.match(/(\d+)/);
			if (m) {
				const n = parseInt(m[1]);
				if (n >= 1 && n <= 5) return n;
			}
		}
		// Any descendant aria-label of the form "N Stars"
		for (const labelled of el.querySelectorAll('[aria-label]')) {
			const m = (labelled.getAttribute('aria-label') || '').match(/(\d+)\s*Stars?/i);
			if (m) {
				const n = parseInt(m[1]);
				if (n >= 1 && n <= 5) return n;
			}
		}
		// Count of filled-star children
		const filled = el.querySelectorAll('.star-filled, [class*="star-fill"]').length;
		if (filled >= 1 && filled <= 5) return filled;
		return 0;
	};

	const contentOf = (el) => {
		const selectors = [
			'[class*="review-body"] p', '[class*="body"] p',
			'blockquote p', '[class*="content"] p', 'p',
		];
		for (const sel of selectors) {
			const found = el.querySelector(sel);
			if (found && found.textContent.trim().length >= 10) {
				return found.textContent.trim();
			}
		}
		return '';
	};

	collectCandidates().forEach((el, index) => {
		try {
			const content = contentOf(el);
			if (content.length < 10) return;

			const dedupKey = content.slice(0, 100);
			if (seenContent.has(dedupKey)) return;
			seenContent.add(dedupKey);

			const titleEl = el.querySelector('h1, h2, h3, h4, [class*="title"]');
			const authorEl = el.querySelector('p.author, [class*="author"]');
			const timeEl = el.querySelector('time');

			let id = el.getAttribute('aria-labelledby') || '';
			if (!id) id = 'synthetic-' + index + '-' + content.length;

			results.push({
				id: id,
				title: textOf(titleEl),
				rating: ratingOf(el),
				date: timeEl ? (timeEl.getAttribute('datetime') || '') : '',
				author: textOf(authorEl),
				content: content,
			});
		} catch (e) {
			// skip malformed candidates
		}
	});

	return results;
}
`

// extracted is the shape returned by extractReviewsJS for one candidate.
type extracted struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Rating  int    `json:"rating"`
	Date    string `json:"date"`
	Author  string `json:"author"`
	Content string `json:"content"`
}
